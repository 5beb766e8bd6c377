package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"goboot/config"
)

func TestParseScalars(t *testing.T) {
	t.Parallel()

	env, issues := config.Parse(`
# boot configuration
kernel = sys/core
kernel.base = 0xffffffff80000000
nosmp = true
retries = -3
name = my kernel
`)
	assert.Empty(t, issues)

	v, ok := env.Get("kernel")
	require.True(t, ok)
	assert.Equal(t, "sys/core", v)

	v, ok = env.Get("kernel.base")
	require.True(t, ok)
	assert.Equal(t, int64(-0x80000000), v.(int64)) // 0xffffffff80000000 wraps int64
	assert.Equal(t, uint64(0xffffffff80000000), env.KernelBase())

	v, ok = env.Get("nosmp")
	require.True(t, ok)
	assert.Equal(t, true, v)

	v, ok = env.Get("retries")
	require.True(t, ok)
	assert.Equal(t, int64(-3), v)

	v, ok = env.Get("name")
	require.True(t, ok)
	assert.Equal(t, "my kernel", v)
}

func TestTypedView(t *testing.T) {
	t.Parallel()

	env, _ := config.Parse("kernel = boot/vmlinux\nnosmp = 1\nscreen = 800x600\n")

	assert.Equal(t, "boot/vmlinux", env.Kernel())
	assert.True(t, env.NoSMP())

	w, h := env.Screen()
	assert.Equal(t, uint32(800), w)
	assert.Equal(t, uint32(600), h)
}

func TestDefaults(t *testing.T) {
	t.Parallel()

	env := config.Empty()

	assert.Equal(t, 0, env.Len())
	assert.Equal(t, config.DefaultKernelPath, env.Kernel())
	assert.Equal(t, uint64(config.DefaultKernelBase), env.KernelBase())
	assert.False(t, env.NoSMP())

	w, h := env.Screen()
	assert.Equal(t, uint32(1024), w)
	assert.Equal(t, uint32(768), h)
}

func TestMalformedLinesAreSkipped(t *testing.T) {
	t.Parallel()

	env, issues := config.Parse("kernel sys/core\n\nok = 1\n")

	require.Len(t, issues, 1)
	assert.Equal(t, 1, issues[0].Line)
	assert.Equal(t, 1, env.Len())
}

func TestDuplicateKeyLastWins(t *testing.T) {
	t.Parallel()

	env, _ := config.Parse("kernel = a\nkernel = b\n")

	assert.Equal(t, "b", env.Kernel())
}

func TestComments(t *testing.T) {
	t.Parallel()

	env, issues := config.Parse(`// slash comment
# hash comment
/* block
comment = ignored */
kernel = sys/core
`)
	assert.Empty(t, issues)
	assert.Equal(t, 1, env.Len())
}

func TestSerializeRoundTrip(t *testing.T) {
	t.Parallel()

	env, _ := config.Parse("b = true\nn = 42\nhex = 0x10\ns = hello world\nneg = -7\n")

	again, issues := config.Parse(env.Serialize())
	assert.Empty(t, issues)
	require.Equal(t, env.Len(), again.Len())

	for _, key := range []string{"b", "n", "hex", "s", "neg"} {
		want, _ := env.Get(key)
		got, ok := again.Get(key)
		require.True(t, ok, key)
		assert.Equal(t, want, got, key)
	}
}

func TestEmptyTextYieldsEmptyEnvironment(t *testing.T) {
	t.Parallel()

	env, issues := config.Parse("")

	assert.Empty(t, issues)
	assert.Equal(t, 0, env.Len())
}
