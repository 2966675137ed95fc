// Package assets resolves request URLs to files under a configured root,
// implementing the html_handling and not_found_handling redirect/fallback
// modes, a _headers rule engine, and ETag-based conditional requests.
package assets
