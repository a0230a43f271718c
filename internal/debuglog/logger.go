package debuglog

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

const queueSize = 2048

type logger struct {
	once sync.Once
	ch   chan string
}

var (
	global  logger
	outMu   sync.Mutex
	out     io.Writer = os.Stderr
	rlMu    sync.Mutex
	rlLast  = make(map[string]time.Time)
	rlSweep = time.Now()
)

func enabled() bool {
	return os.Getenv("DCHAT_DEBUG") == "1"
}

// SetOutput redirects all log output, the console uses it to keep log lines
// apart from chat text.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stderr
	}
	outMu.Lock()
	out = w
	outMu.Unlock()
}

func write(msg string) {
	outMu.Lock()
	_, _ = io.WriteString(out, msg)
	outMu.Unlock()
}

func (l *logger) start() {
	l.once.Do(func() {
		l.ch = make(chan string, queueSize)
		go func() {
			for msg := range l.ch {
				write(msg)
			}
		}()
	})
}

func Logf(format string, args ...any) {
	msg := fmt.Sprintf(format+"\n", args...)
	if !enabled() {
		write(msg)
		return
	}
	global.start()
	select {
	case global.ch <- msg:
	default:
		// queue full, drop
	}
}

func Infof(format string, args ...any) {
	Logf("INFO "+format, args...)
}

func Warnf(format string, args ...any) {
	Logf("WARN "+format, args...)
}

func Errorf(format string, args ...any) {
	Logf("ERR  "+format, args...)
}

func Debugf(format string, args ...any) {
	if !enabled() {
		return
	}
	Logf("DBG  "+format, args...)
}

// RateLimitedf logs a warning at most once per interval for each key.
func RateLimitedf(key string, interval time.Duration, format string, args ...any) {
	if key == "" {
		return
	}
	now := time.Now()
	rlMu.Lock()
	last := rlLast[key]
	if now.Sub(last) < interval {
		rlMu.Unlock()
		return
	}
	rlLast[key] = now
	if now.Sub(rlSweep) > 2*interval {
		for k, ts := range rlLast {
			if now.Sub(ts) > 4*interval {
				delete(rlLast, k)
			}
		}
		rlSweep = now
	}
	rlMu.Unlock()
	Warnf(format, args...)
}
