/*
Package log provides structured logging for depot built on zerolog.

All packages log through the global Logger or a component child created with
WithComponent. Output is JSON in production and a console writer for
interactive use; the level comes from configuration (LOG_LEVEL).
*/
package log
