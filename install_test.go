package tact

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ngdplib/tact/tact_errors"
)

const sampleInstall = "Wow.exe\t0017a402f556fbece46c38236ef5df54\t52397352\n" +
	"WowVoiceProxy.exe\tcafe0000000000000000000000000001\t1024\n" +
	"\n" +
	"# tooling artifacts\n" +
	"Data/data.000\tcafe0000000000000000000000000002\t65536\n"

func TestParseInstall(t *testing.T) {
	in, err := ParseInstall([]byte(sampleInstall))
	require.Nil(t, err)
	assert.Equal(t, 3, len(in.Entries))

	e, ok := in.Find("Wow.exe")
	assert.True(t, ok)
	assert.Equal(t, uint64(52397352), e.Size)
	assert.Equal(t, "Wow.exe", e.Name)

	e, ok = in.Find("wow.EXE")
	assert.True(t, ok, "lookup is case-insensitive")
	assert.Equal(t, uint64(52397352), e.Size)

	_, ok = in.Find("missing.exe")
	assert.False(t, ok)
}

func TestParseInstallRejectsGarbage(t *testing.T) {
	_, err := ParseInstall([]byte("only two\tfields\n"))
	assert.ErrorIs(t, err, tact_errors.ErrCorrupt)

	_, err = ParseInstall([]byte("name\tnothex\t123\n"))
	assert.ErrorIs(t, err, tact_errors.ErrCorrupt)

	_, err = ParseInstall([]byte("name\tcafe0000000000000000000000000001\tbig\n"))
	assert.ErrorIs(t, err, tact_errors.ErrCorrupt)
}
