// Package util holds small helpers shared across the authorization server:
// scope string handling, safe truncation for logs, and redirect host
// classification.
package util
