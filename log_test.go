package secvault

import (
	"bytes"
	"os"
	"strings"
	"sync"
	"testing"

	log "github.com/sirupsen/logrus"
)

// test boolean condition
func tassert(t *testing.T, cond bool, txt string, args ...interface{}) {
	t.Helper() // cause file:line info to show caller
	if !cond {
		t.Fatalf(txt, args...)
	}
}

func TestGetGID(t *testing.T) {
	n := GetGID()
	tassert(t, n != 0, "oh no n is 0")

	// another goroutine gets another id
	var other uint64
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		other = GetGID()
		wg.Done()
	}()
	wg.Wait()
	tassert(t, other != 0 && other != n, "main %d other %d", n, other)
}

func TestSetupLogging(t *testing.T) {
	oldlevel := log.GetLevel()
	defer log.SetLevel(oldlevel)
	defer log.SetOutput(os.Stderr)
	defer log.SetReportCaller(false)

	err := os.Setenv("DEBUG", "1")
	tassert(t, err == nil, "%v", err)
	defer os.Unsetenv("DEBUG")

	SetupLogging()
	tassert(t, log.GetLevel() == log.DebugLevel, "level %v", log.GetLevel())

	buf := &bytes.Buffer{}
	log.SetOutput(buf)
	log.Debug("hello")
	out := buf.String()
	tassert(t, strings.Contains(out, "log_test.go:"), "no caller in %q", out)
	tassert(t, strings.Contains(out, " gid "), "no gid in %q", out)
	tassert(t, strings.Contains(out, "msg=hello"), "no msg in %q", out)
}
