// Package logging provides structured JSON logging for faultmatch with
// optional file output and size-based rotation. The service logs to stderr
// by default; --debug additionally writes full diagnostics to
// ~/.faultmatch/logs/.
package logging
