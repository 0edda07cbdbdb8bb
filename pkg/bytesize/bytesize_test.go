package bytesize

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestParse(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1024", 1024},
		{"0", 0},
		{"1KB", KB},
		{"1k", KB},
		{"64MB", 64 * MB},
		{"64 mb", 64 * MB},
		{"1.5GB", GB + GB/2},
		{"2Gi", 2 * GB},
		{"1GiB", GB},
		{"1TB", TB},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := Parse(tt.in)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseErrors(t *testing.T) {
	for _, in := range []string{"", "abc", "10XB", "-5MB", "1.2.3KB"} {
		_, err := Parse(in)
		assert.Error(t, err, in)
	}
	assert.Panics(t, func() { MustParse("nope") })
}

func TestFormat(t *testing.T) {
	assert.Equal(t, "0 B", Format(0))
	assert.Equal(t, "512 B", Format(512))
	assert.Equal(t, "1.50 KB", Format(1536))
	assert.Equal(t, "64.00 MB", Format(64*MB))
	assert.Equal(t, "-1.00 KB", Format(-KB))
}

func TestSizeYAML(t *testing.T) {
	var cfg struct {
		A Size `yaml:"a"`
		B Size `yaml:"b"`
	}
	require.NoError(t, yaml.Unmarshal([]byte("a: 64MB\nb: 4096\n"), &cfg))
	assert.Equal(t, 64*MB, cfg.A.Bytes())
	assert.Equal(t, int64(4096), cfg.B.Bytes())
	assert.Equal(t, "64.00 MB", cfg.A.String())

	out, err := yaml.Marshal(cfg)
	require.NoError(t, err)
	assert.Equal(t, "a: 64MB\nb: 4KB\n", string(out))

	assert.Error(t, yaml.Unmarshal([]byte("a: lots\n"), &cfg))
	assert.Error(t, yaml.Unmarshal([]byte("a: [1]\n"), &cfg))
}
