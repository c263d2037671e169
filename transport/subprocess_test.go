package transport

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sdkerrors "github.com/Epistates/turboclaude-sub003/pkg/errors"
)

// TestHelperProcess is not a real test. It is re-executed by the tests below
// to play the agent process.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	defer os.Exit(0)

	args := os.Args
	for len(args) > 0 && args[0] != "--" {
		args = args[1:]
	}
	if len(args) < 2 {
		os.Exit(2)
	}

	in := bufio.NewScanner(os.Stdin)
	in.Buffer(make([]byte, 0, 4096), 1<<20)
	switch args[1] {
	case "echo":
		for in.Scan() {
			fmt.Println(in.Text())
		}
	case "fail":
		fmt.Fprintln(os.Stderr, "fatal: not logged in")
		os.Exit(3)
	case "env":
		_ = json.NewEncoder(os.Stdout).Encode(map[string]string{
			"custom":     os.Getenv("TURBOCLAUDE_CUSTOM"),
			"leaked":     os.Getenv("TURBOCLAUDE_PARENT_ONLY"),
			"entrypoint": os.Getenv(EnvEntrypoint),
		})
	case "oversize":
		fmt.Println(strings.Repeat("x", 200))
		fmt.Println(`{"ok":true}`)
	case "shutdown":
		for in.Scan() {
			if strings.Contains(in.Text(), `"shutdown"`) {
				fmt.Println(`{"type":"bye"}`)
				return
			}
		}
	case "stubborn":
		for in.Scan() {
		}
		time.Sleep(time.Hour)
	case "orphan":
		// The grandchild shares our stdout and outlives us.
		gc := exec.Command(os.Args[0], "-test.run=TestHelperProcess", "--", "stubborn")
		gc.Stdout, gc.Stderr = os.Stdout, os.Stderr
		if err := gc.Start(); err != nil {
			os.Exit(4)
		}
		fmt.Printf("{\"pid\":%d}\n", gc.Process.Pid)
	}
}

func helper(mode string, cfg Config) *Subprocess {
	cfg.Path = os.Args[0]
	cfg.Args = []string{"-test.run=TestHelperProcess", "--", mode}
	if cfg.Env == nil {
		cfg.Env = map[string]string{}
	}
	cfg.Env["GO_WANT_HELPER_PROCESS"] = "1"
	return NewSubprocess(cfg)
}

func receive(t *testing.T, tr Transport) Frame {
	t.Helper()
	select {
	case f, ok := <-tr.Receive():
		require.True(t, ok, "inbound channel closed")
		return f
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return Frame{}
	}
}

func TestSubprocess_Echo(t *testing.T) {
	s := helper("echo", Config{})
	require.NoError(t, s.Start(t.Context()))
	assert.NotZero(t, s.Pid())

	require.NoError(t, s.Send(t.Context(), []byte(`{"type":"query","request_id":1}`)))
	require.NoError(t, s.Send(t.Context(), []byte(`{"type":"query","request_id":2}`)))

	assert.JSONEq(t, `{"type":"query","request_id":1}`, string(receive(t, s).Data))
	assert.JSONEq(t, `{"type":"query","request_id":2}`, string(receive(t, s).Data))

	require.NoError(t, s.Shutdown(t.Context()))
	<-s.Done()
	assert.NoError(t, s.Err())

	_, ok := <-s.Receive()
	assert.False(t, ok)
	assert.True(t, sdkerrors.IsKind(s.Send(t.Context(), []byte(`{}`)), sdkerrors.KindTransportClosed))
}

func TestSubprocess_FailureCarriesStderr(t *testing.T) {
	s := helper("fail", Config{})
	require.NoError(t, s.Start(t.Context()))

	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("process did not exit")
	}
	err := s.Err()
	require.Error(t, err)
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindTransportClosed))
	assert.Contains(t, err.Error(), "code 3")
	assert.Contains(t, err.Error(), "fatal: not logged in")
	assert.Contains(t, s.Stderr(), "not logged in")
}

func TestSubprocess_EnvironmentIsolation(t *testing.T) {
	t.Setenv("TURBOCLAUDE_PARENT_ONLY", "secret")
	s := helper("env", Config{Env: map[string]string{"TURBOCLAUDE_CUSTOM": "yes"}})
	require.NoError(t, s.Start(t.Context()))

	var got map[string]string
	require.NoError(t, json.Unmarshal(receive(t, s).Data, &got))
	assert.Equal(t, "yes", got["custom"])
	assert.Empty(t, got["leaked"])
	assert.Equal(t, "sdk-go", got["entrypoint"])
	require.NoError(t, s.Shutdown(t.Context()))
}

func TestSubprocess_InheritEnv(t *testing.T) {
	t.Setenv("TURBOCLAUDE_PARENT_ONLY", "secret")
	s := helper("env", Config{InheritEnv: true})
	require.NoError(t, s.Start(t.Context()))

	var got map[string]string
	require.NoError(t, json.Unmarshal(receive(t, s).Data, &got))
	assert.Equal(t, "secret", got["leaked"])
	require.NoError(t, s.Shutdown(t.Context()))
}

func TestSubprocess_OversizeLineIsFramingError(t *testing.T) {
	s := helper("oversize", Config{MaxLineSize: 64})
	require.NoError(t, s.Start(t.Context()))

	f := receive(t, s)
	require.Error(t, f.Err)
	assert.True(t, sdkerrors.IsKind(f.Err, sdkerrors.KindProtocol))

	f = receive(t, s)
	require.NoError(t, f.Err)
	assert.JSONEq(t, `{"ok":true}`, string(f.Data))
	require.NoError(t, s.Shutdown(t.Context()))
}

func TestSubprocess_ShutdownFrame(t *testing.T) {
	s := helper("shutdown", Config{ShutdownFrame: []byte(`{"type":"control","request_id":9,"command":"shutdown"}`)})
	require.NoError(t, s.Start(t.Context()))
	require.NoError(t, s.Shutdown(t.Context()))

	f := receive(t, s)
	assert.JSONEq(t, `{"type":"bye"}`, string(f.Data))
	assert.NoError(t, s.Err())
}

func TestSubprocess_ShutdownTerminatesStubbornChild(t *testing.T) {
	s := helper("stubborn", Config{ShutdownTimeout: 100 * time.Millisecond})
	require.NoError(t, s.Start(t.Context()))

	start := time.Now()
	require.NoError(t, s.Shutdown(t.Context()))
	assert.Less(t, time.Since(start), 5*time.Second)
	<-s.Done()
	assert.Error(t, s.Err(), "terminated child reports a failure")
}

func TestSubprocess_ShutdownWithInheritedStdout(t *testing.T) {
	orig := killGrace
	killGrace = 100 * time.Millisecond
	t.Cleanup(func() { killGrace = orig })

	s := helper("orphan", Config{ShutdownTimeout: 100 * time.Millisecond})
	require.NoError(t, s.Start(t.Context()))

	var gc struct{ Pid int }
	require.NoError(t, json.Unmarshal(receive(t, s).Data, &gc))
	require.NotZero(t, gc.Pid)
	t.Cleanup(func() {
		if p, err := os.FindProcess(gc.Pid); err == nil {
			_ = p.Kill()
		}
	})

	start := time.Now()
	_ = s.Shutdown(t.Context())
	assert.Less(t, time.Since(start), 3*time.Second)
	select {
	case <-s.Done():
	case <-time.After(time.Second):
		t.Fatal("subprocess not reaped after shutdown")
	}
}

func TestSubprocess_StartMissingExecutable(t *testing.T) {
	s := NewSubprocess(Config{Path: "/nonexistent/turboclaude-agent"})
	err := s.Start(t.Context())
	assert.True(t, sdkerrors.IsKind(err, sdkerrors.KindTransportClosed))
	assert.True(t, sdkerrors.IsKind(s.Send(context.Background(), []byte(`{}`)), sdkerrors.KindTransportClosed))
}

func TestTailBuffer(t *testing.T) {
	b := &tailBuffer{limit: 8}
	b.WriteLine("abc")
	b.WriteLine("defgh")
	assert.Equal(t, "c\ndefgh\n", b.String())
}
