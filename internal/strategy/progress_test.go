package strategy

import (
	"bytes"
	"io"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProgressWriter_ReportsEveryWrite(t *testing.T) {
	var buf bytes.Buffer
	var ticks []int64

	w := NewProgressWriter(&buf, 100, func(n int64) { ticks = append(ticks, n) })
	for _, chunk := range []string{"abc", "", "de", "f"} {
		_, err := w.Write([]byte(chunk))
		require.NoError(t, err)
	}

	assert.Equal(t, "abcdef", buf.String())
	assert.Equal(t, []int64{103, 105, 106}, ticks)
}

func TestProgressReader_ReportsEveryRead(t *testing.T) {
	var ticks []int64

	r := NewProgressReader(iotest.OneByteReader(strings.NewReader("xyz")), 0, func(n int64) { ticks = append(ticks, n) })
	data, err := io.ReadAll(r)
	require.NoError(t, err)

	assert.Equal(t, "xyz", string(data))
	assert.Equal(t, []int64{1, 2, 3}, ticks)
}

func TestProgress_NilFuncPassesThrough(t *testing.T) {
	var buf bytes.Buffer
	assert.Same(t, &buf, NewProgressWriter(&buf, 0, nil))
}

func TestConfig_Addr(t *testing.T) {
	assert.Equal(t, "example.com:21", Config{Host: "example.com"}.Addr(21))
	assert.Equal(t, "example.com:2222", Config{Host: "example.com", Port: 2222}.Addr(22))
}
