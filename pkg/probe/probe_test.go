package probe

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func resetConn() {
	connOnce = sync.Once{}
	tracer = nil
}

func TestHereUntraced(t *testing.T) {
	resetConn()
	defer resetConn()
	os.Unsetenv(EnvFDs)

	assert.False(t, Enabled())
	Here("loop.go", 3, Int("i", 1))
}

func TestHereReportsAndBlocks(t *testing.T) {
	resetConn()
	defer resetConn()

	reportR, reportW, err := os.Pipe()
	require.NoError(t, err)
	resumeR, resumeW, err := os.Pipe()
	require.NoError(t, err)
	defer reportR.Close()
	defer resumeW.Close()

	os.Setenv(EnvFDs, fmt.Sprintf("%d,%d", reportW.Fd(), resumeR.Fd()))
	defer os.Unsetenv(EnvFDs)
	require.True(t, Enabled())

	done := make(chan struct{})
	go func() {
		defer close(done)
		Here("loop.go", 12, Int("i", 3), Value("name", "x"))
	}()

	line, err := bufio.NewReader(reportR).ReadBytes('\n')
	require.NoError(t, err)
	var rep Report
	require.NoError(t, json.Unmarshal(line, &rep))
	assert.Equal(t, "loop.go", rep.File)
	assert.Equal(t, 12, rep.Line)
	assert.Equal(t, []Var{{"i", "3"}, {"name", "x"}}, rep.Vars)
	assert.Equal(t, "TestHereReportsAndBlocks.func1", rep.Function)
	require.NotEmpty(t, rep.Stack)
	assert.Equal(t, 12, rep.Stack[0].Line)

	select {
	case <-done:
		t.Fatal("probe returned before being resumed")
	default:
	}
	_, err = resumeW.Write([]byte{Resume})
	require.NoError(t, err)
	<-done
}

func TestShortName(t *testing.T) {
	assert.Equal(t, "workStdin", shortName("example.com/fixtures.workStdin"))
	assert.Equal(t, "main", shortName("main.main"))
	assert.Equal(t, "(*T).m", shortName("pkg.(*T).m"))
}
