package logger

import (
	"bytes"
	"strings"
	"testing"
)

func TestTextOutputContainsFields(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "DEBUG", "text")

	Info("transaction complete", "seq", 7, "status", "NO_ERROR")

	out := buf.String()
	if !strings.Contains(out, "transaction complete") {
		t.Errorf("output missing message: %q", out)
	}
	if !strings.Contains(out, "seq=7") || !strings.Contains(out, "status=NO_ERROR") {
		t.Errorf("output missing fields: %q", out)
	}
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "WARN", "text")

	Debug("hidden debug")
	Info("hidden info")
	Warn("visible warn")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("low-level messages leaked: %q", out)
	}
	if !strings.Contains(out, "visible warn") {
		t.Errorf("warn message missing: %q", out)
	}
}

func TestJSONFormat(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "json")

	Info("hello", "k", "v")

	out := buf.String()
	if !strings.Contains(out, `"msg":"hello"`) || !strings.Contains(out, `"k":"v"`) {
		t.Errorf("unexpected json output: %q", out)
	}
}

func TestInvalidLevelIgnored(t *testing.T) {
	var buf bytes.Buffer
	InitWithWriter(&buf, "INFO", "text")
	SetLevel("NOISY") // ignored

	Info("still here")
	if !strings.Contains(buf.String(), "still here") {
		t.Errorf("info logging broken after invalid SetLevel: %q", buf.String())
	}
}
