// Package cron parses Cloudflare-style five-field cron expressions (plus
// the @daily/@hourly/... shortcuts) and drives a one-minute tick dispatcher
// that matches each configured expression against the current time.
package cron
