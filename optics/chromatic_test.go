package optics

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChromaticDifference(t *testing.T) {
	assert.Zero(t, ChromaticDifference(555))
	assert.InDelta(t, 0.2581, ChromaticDifference(610), 1e-3)
	assert.InDelta(t, -0.7179, ChromaticDifference(460), 1e-3)

	p := DefaultProfile()
	assert.InDelta(t, 0.2581, p.ChannelOffsetsD[ChannelR], 1e-3)
	assert.Zero(t, p.ChannelOffsetsD[ChannelG])
	assert.InDelta(t, -0.7179, p.ChannelOffsetsD[ChannelB], 1e-3)
}

func TestChannelKernelsAchromaticShared(t *testing.T) {
	params := Parameters{DefocusD: 2, PupilMM: 4, PxPerMM: 4, Mode: ModeAchromatic}
	ks, err := ChannelKernels(params, DefaultProfile())
	require.NoError(t, err)
	assert.Same(t, ks[0], ks[1])
	assert.Same(t, ks[1], ks[2])
}

func TestChannelKernelsChromaticRadii(t *testing.T) {
	params := Parameters{DefocusD: 2, PupilMM: 4, PxPerMM: 4, Mode: ModeChromaticRGB}
	ks, err := ChannelKernels(params, DefaultProfile())
	require.NoError(t, err)

	assert.InDelta(t, 10.84, ks[ChannelR].Radius, 0.01)
	assert.InDelta(t, 9.6, ks[ChannelG].Radius, 1e-9)
	assert.InDelta(t, 6.15, ks[ChannelB].Radius, 0.01)
	assert.NotSame(t, ks[ChannelR], ks[ChannelG])
	for c, k := range ks {
		assert.InDelta(t, 1, k.Sum(), 1e-9, "channel %s", ChannelNames[c])
	}
}

func TestChannelKernelsZeroChannelIsIdentity(t *testing.T) {
	p := DefaultProfile()
	// defocus that exactly cancels the red offset
	params := Parameters{DefocusD: -p.ChannelOffsetsD[ChannelR], PupilMM: 4, PxPerMM: 4, Mode: ModeChromaticRGB}
	ks, err := ChannelKernels(params, p)
	require.NoError(t, err)

	assert.True(t, ks[ChannelR].IsIdentity())
	assert.False(t, ks[ChannelG].IsIdentity())
	assert.False(t, ks[ChannelB].IsIdentity())
}

func TestChannelKernelsPropagatesLimit(t *testing.T) {
	p := DefaultProfile()
	p.MaxKernelRadiusPx = 8
	params := Parameters{DefocusD: 2, PupilMM: 4, PxPerMM: 4, Mode: ModeChromaticRGB}
	_, err := ChannelKernels(params, p)
	require.ErrorIs(t, err, ErrResourceLimit)
}
