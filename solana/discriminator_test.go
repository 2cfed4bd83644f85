package chainsensors_protocol

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDiscriminator(t *testing.T) {
	t.Parallel()

	require.Equal(t, [8]byte{33, 196, 107, 60, 35, 221, 204, 245}, Discriminator(ResealCallbackName))
	require.Equal(t, Discriminator("reseal_dek"), Discriminator("reseal_dek"))
	require.NotEqual(t, Discriminator("reseal_dek"), EventDiscriminator("reseal_dek"))
}

func TestBuildRegistry(t *testing.T) {
	t.Parallel()

	idl, err := LoadIDL("")
	require.NoError(t, err)

	t.Run("callbacks from schema", func(t *testing.T) {
		t.Parallel()
		r := BuildRegistry(idl, RegistryOptions{})
		require.False(t, r.Degraded())
		require.True(t, r.IsCallback(Discriminator("reseal_dek_callback")))
		require.True(t, r.IsCallback(Discriminator("compute_accuracy_score_callback")))
		require.True(t, r.IsCallback(Discriminator("computeAccuracyScoreCallback")))
		require.False(t, r.IsCallback(Discriminator("reseal_dek")))
		require.False(t, r.IsCallback(Discriminator("finalize_purchase")))

		name, ok := r.InstructionName(Discriminator("finalize_purchase"))
		require.True(t, ok)
		require.Equal(t, "finalize_purchase", name)

		name, ok = r.EventName(EventDiscriminator(EventResealOutput))
		require.True(t, ok)
		require.Equal(t, EventResealOutput, name)
	})

	t.Run("configured names and hex overrides", func(t *testing.T) {
		t.Parallel()
		r := BuildRegistry(idl, RegistryOptions{
			CallbackNames: []string{"settle_job"},
			CallbackHex:   "0x0102030405060708, ffeeddccbbaa9988,nothex,0102",
		})
		require.True(t, r.IsCallback(Discriminator("settle_job")))
		require.True(t, r.IsCallback([8]byte{1, 2, 3, 4, 5, 6, 7, 8}))
		require.True(t, r.IsCallback([8]byte{0xff, 0xee, 0xdd, 0xcc, 0xbb, 0xaa, 0x99, 0x88}))
		require.Contains(t, r.CallbackNames(), "override:0102030405060708")
	})

	t.Run("degraded without schema", func(t *testing.T) {
		t.Parallel()
		r := BuildRegistry(nil, RegistryOptions{})
		require.True(t, r.Degraded())
		require.True(t, r.IsCallback(Discriminator(ResealCallbackName)))
		require.Equal(t, []string{ResealCallbackName}, r.CallbackNames())
	})
}
