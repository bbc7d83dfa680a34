package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSplitArgs(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []string
	}{
		{"empty", "", nil},
		{"blank", "  \t ", nil},
		{"plain", "--port 4711", []string{"--port", "4711"}},
		{"repeated spaces", "  --repl-mode   command  ", []string{"--repl-mode", "command"}},
		{"quoted", `--pre-init-command "settings set target.x86-disassembly-flavor intel"`,
			[]string{"--pre-init-command", "settings set target.x86-disassembly-flavor intel"}},
		{"quote inside argument", `--name="lldb dap"`, []string{"--name=lldb dap"}},
		{"escaped quote", `"say \"hi\"" next`, []string{`say "hi"`, "next"}},
		{"empty argument", `--log-file "" -v`, []string{"--log-file", "", "-v"}},
		{"trailing empty argument", `-v ""`, []string{"-v", ""}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, SplitArgs(tt.in))
		})
	}
}

func TestAdapterArgList(t *testing.T) {
	c := &Config{AdapterArgs: `--port  4711   --log "a b"`}
	assert.Equal(t, []string{"--port", "4711", "--log", "a b"}, c.AdapterArgList())
}

func TestConfigureListByName(t *testing.T) {
	limit := 3
	c := &Config{
		StdinEnv:    "MY_INPUT",
		Backend:     BackendLLDB,
		AdapterArgs: "--port 4711",
		HitLimit:    &limit,
		TTY:         true,
	}
	tests := []struct {
		name string
		conf *Config
		want string
	}{
		{"stdin-env", c, "stdin-env\tMY_INPUT\n"},
		{"backend", c, "backend\tlldb\n"},
		{"adapter-args", c, "adapter-args\t--port 4711\n"},
		{"hit-limit", c, "hit-limit\t3\n"},
		{"hit-limit", &Config{}, "hit-limit\t<not defined>\n"},
		{"tty", c, "tty\ttrue\n"},
		{"", c, ""},
		{"nonexistent", c, ""},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ConfigureListByName(tt.conf, tt.name, "yaml"), "setting %q", tt.name)
	}
}
