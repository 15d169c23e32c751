// rtexp-mcp exposes the rtexp expiration commands as MCP tools over stdio.
//
// Environment:
//
//	RTEXP_ADDR      server address (default "127.0.0.1:6380")
//	RTEXP_PASSWORD  password for AUTH
//	RTEXP_MCP_LOG   log file (default: rtexp-mcp.log next to the executable)
//	RTEXP_LOG_LEVEL debug, info, warn, error (default "info")
package main

import (
	"os"
	"path/filepath"

	"github.com/mark3labs/mcp-go/server"

	"github.com/flashdb/rtexp/internal/client"
	"github.com/flashdb/rtexp/internal/logger"
)

func main() {
	level, err := logger.ParseLevel(os.Getenv("RTEXP_LOG_LEVEL"))
	if err != nil {
		panic(err)
	}
	// stdout carries the MCP protocol, so logs go to a file.
	lg, err := logger.Open(logPath(), level)
	if err != nil {
		panic(err)
	}
	defer lg.Close()

	addr := os.Getenv("RTEXP_ADDR")
	if addr == "" {
		addr = "127.0.0.1:6380"
	}
	lg.Infof("Connecting to rtexp at %s", addr)
	c, err := client.Dial(addr, client.Options{Password: os.Getenv("RTEXP_PASSWORD")})
	if err != nil {
		lg.Errorf("Failed to connect: %v", err)
		os.Exit(1)
	}
	defer c.Close()

	s := newMCPServer(c, lg)
	lg.Infof("Starting MCP server on stdio")
	if err := server.ServeStdio(s); err != nil {
		lg.Errorf("server error: %v", err)
	}
}

func logPath() string {
	if p := os.Getenv("RTEXP_MCP_LOG"); p != "" {
		return p
	}
	if exePath, err := os.Executable(); err == nil {
		return filepath.Join(filepath.Dir(exePath), "rtexp-mcp.log")
	}
	return "./rtexp-mcp.log"
}
