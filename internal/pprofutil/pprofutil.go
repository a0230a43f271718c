// Package pprofutil serves net/http/pprof for a running node.
package pprofutil

import (
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"strings"
	"time"
)

var ErrPublicBind = errors.New("pprof address must be loopback")

// Start serves the default mux on addr until the process exits and returns
// the bound address. Non-loopback addresses need DCHAT_PPROF_ALLOW_PUBLIC=1.
func Start(addr string, logw io.Writer) (string, error) {
	addr = strings.TrimSpace(addr)
	allowPublic := strings.TrimSpace(os.Getenv("DCHAT_PPROF_ALLOW_PUBLIC")) == "1"
	if !allowPublic && !isLoopbackBind(addr) {
		return "", fmt.Errorf("%w: %s", ErrPublicBind, addr)
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("pprof listen failed: %w", err)
	}
	actual := ln.Addr().String()
	if logw != nil {
		fmt.Fprintf(logw, "pprof enabled: http://%s/debug/pprof/\n", actual)
	}
	srv := &http.Server{
		Handler:           http.DefaultServeMux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	return actual, nil
}

func isLoopbackBind(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return false
	}
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
