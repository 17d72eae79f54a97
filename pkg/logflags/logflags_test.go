package logflags

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
)

type bufferWriter struct {
	bytes.Buffer
}

func (bw *bufferWriter) Close() error { return nil }

func TestMakeLoggerUsingFactory(t *testing.T) {
	if loggerFactory != nil {
		t.Fatalf("loggerFactory already set: %v", loggerFactory)
	}
	defer SetLoggerFactory(nil)
	logOut = &bufferWriter{}
	defer func() { logOut = nil }()

	want := &logrusLogger{}
	SetLoggerFactory(func(level logrus.Level, fields Fields, out io.Writer) Logger {
		if level != logrus.TraceLevel {
			t.Errorf("level = %v, want %v", level, logrus.TraceLevel)
		}
		if len(fields) != 1 || fields["foo"] != "bar" {
			t.Errorf("fields = %v", fields)
		}
		if out != logOut {
			t.Errorf("out = %v, want %v", out, logOut)
		}
		return want
	})

	if got := makeLogger(logrus.TraceLevel, Fields{"foo": "bar"}); got != Logger(want) {
		t.Fatal("makeLogger did not use the configured factory")
	}
}

func TestMakeFlaggableLogger(t *testing.T) {
	for flag, level := range map[bool]logrus.Level{
		false: logrus.ErrorLevel,
		true:  logrus.DebugLevel,
	} {
		logger, ok := makeFlaggableLogger(flag, Fields{"foo": "bar"}).(*logrusLogger)
		if !ok {
			t.Fatalf("flag %v: wrong logger type", flag)
		}
		if logger.Entry.Logger.Level != level {
			t.Errorf("flag %v: level = %v, want %v", flag, logger.Entry.Logger.Level, level)
		}
		if len(logger.Entry.Data) != 1 || logger.Entry.Data["foo"] != "bar" {
			t.Errorf("flag %v: fields = %v", flag, logger.Entry.Data)
		}
	}
}

func TestMakeLoggerDefaultBehavior(t *testing.T) {
	logOut = &bufferWriter{}
	defer func() { logOut = nil }()

	logger, ok := makeLogger(logrus.TraceLevel, Fields{"foo": "bar"}).(*logrusLogger)
	if !ok {
		t.Fatal("wrong logger type")
	}
	if logger.Entry.Logger.Level != logrus.TraceLevel {
		t.Errorf("level = %v, want %v", logger.Entry.Logger.Level, logrus.TraceLevel)
	}
	if logger.Entry.Logger.Out != logOut {
		t.Error("logger does not write to the configured output")
	}
	if logger.Entry.Logger.Formatter != textFormatterInstance {
		t.Error("logger does not use the text formatter")
	}
}

func TestSetup(t *testing.T) {
	if err := Setup(false, "debugger", ""); err != errLogstrWithoutLog {
		t.Errorf("Setup(): %v, want errLogstrWithoutLog", err)
	}

	if err := Setup(true, "debugger,ptrace,symbols", ""); err != nil {
		t.Fatal("Setup():", err)
	}
	if !Debugger() || !PtraceWire() || !Symbols() {
		t.Errorf("components not enabled: debugger=%v ptrace=%v symbols=%v", Debugger(), PtraceWire(), Symbols())
	}
}

func TestSetupLogDest(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs")
	if err := Setup(true, "debugger", path); err != nil {
		t.Fatal("Setup():", err)
	}
	defer func() { logOut = nil }()

	logger := makeLogger(logrus.DebugLevel, Fields{"layer": "debugger"})
	logger.Debugf("hello %s", "world")
	Close()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(data, []byte("hello world")) || !bytes.Contains(data, []byte("layer=debugger")) {
		t.Errorf("log file contents: %q", data)
	}
}
