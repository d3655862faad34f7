package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	content := "hello, this is the assistant reply"

	blob, err := Encode(content)
	require.NoError(t, err)
	assert.NotEmpty(t, blob)

	decoded, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, content, decoded)
}

func TestEncodeEmpty(t *testing.T) {
	blob, err := Encode("")
	require.NoError(t, err)

	decoded, err := Decode(blob)
	require.NoError(t, err)
	assert.Equal(t, "", decoded)
}

func TestDecodeMalformedFails(t *testing.T) {
	_, err := Decode([]byte("not a brotli stream"))
	require.Error(t, err)

	var codecErr *CodecError
	assert.ErrorAs(t, err, &codecErr)
}

func TestDecodeRejectsInvalidUTF8(t *testing.T) {
	blob, err := Encode(string([]byte{0xff, 0xfe, 0xfd}))
	require.NoError(t, err)

	_, err = Decode(blob)
	require.Error(t, err)

	var codecErr *CodecError
	assert.ErrorAs(t, err, &codecErr)
}
