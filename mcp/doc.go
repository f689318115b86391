// Package mcp contains the Model Context Protocol data types and method
// names spoken by the server. Only the tools and logging surface is modeled;
// transports marshal these structs directly.
//
// LoggingLevel values mirror syslog severities. Use IsValidLoggingLevel to
// check client-supplied levels and LoggingLevel.Allows to filter messages
// against a session threshold.
package mcp
