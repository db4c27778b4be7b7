// Package api exposes the intake HTTP surface: submission of rescue
// requests, aggregate status reads, and a health probe. Submission returns
// 202 with the request id; the pipeline runs asynchronously and the id is
// polled for progress.
package api
