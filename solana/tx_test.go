package chainsensors_protocol

import (
	"bytes"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/require"
)

func callbackData(name string) []byte {
	disc := Discriminator(name)
	return append(disc[:], 0, 1, 2)
}

func TestFindCallback(t *testing.T) {
	t.Parallel()

	idl, err := LoadIDL("")
	require.NoError(t, err)
	registry := BuildRegistry(idl, RegistryOptions{})

	program := solana.NewWallet().PublicKey()
	other := solana.NewWallet().PublicKey()
	keys := []solana.PublicKey{solana.NewWallet().PublicKey(), other, program}

	testCases := []struct {
		name      string
		tx        *Transaction
		wantFound bool
		wantInner bool
	}{
		{
			name: "top level",
			tx: &Transaction{
				AccountKeys: keys,
				Instructions: []Instruction{
					{ProgramIDIndex: 2, Data: callbackData(ResealCallbackName)},
				},
			},
			wantFound: true,
		},
		{
			name: "nested inside another program call",
			tx: &Transaction{
				AccountKeys: keys,
				Instructions: []Instruction{
					{ProgramIDIndex: 1, Data: []byte{9, 9, 9}},
				},
				InnerInstructions: [][]Instruction{
					{
						{ProgramIDIndex: 1, Data: callbackData(ResealCallbackName)},
						{ProgramIDIndex: 2, Data: callbackData(ResealCallbackName)},
					},
				},
			},
			wantFound: true,
			wantInner: true,
		},
		{
			name: "callback tag under a foreign program",
			tx: &Transaction{
				AccountKeys: keys,
				Instructions: []Instruction{
					{ProgramIDIndex: 1, Data: callbackData(ResealCallbackName)},
				},
			},
		},
		{
			name: "non callback instruction",
			tx: &Transaction{
				AccountKeys: keys,
				Instructions: []Instruction{
					{ProgramIDIndex: 2, Data: callbackData("reseal_dek")},
				},
			},
		},
		{
			name: "program index out of range",
			tx: &Transaction{
				AccountKeys: keys[:1],
				Instructions: []Instruction{
					{ProgramIDIndex: 2, Data: callbackData(ResealCallbackName)},
				},
			},
		},
	}
	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			m, ok := FindCallback(tc.tx, program, registry)
			require.Equal(t, tc.wantFound, ok)
			if !ok {
				return
			}
			require.Equal(t, ResealCallbackName, m.Name)
			require.Equal(t, tc.wantInner, m.Inner)
			require.True(t, bytes.HasPrefix(m.Instruction.Data, callbackData(ResealCallbackName)[:8]))
		})
	}
}

func TestTransactionAccounts(t *testing.T) {
	t.Parallel()

	a, b, c := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()
	tx := &Transaction{AccountKeys: []solana.PublicKey{a, b}}

	require.True(t, tx.HasAccounts(a, b))
	require.False(t, tx.HasAccounts(a, c))

	ix := Instruction{Accounts: []uint16{1, 0, 5}}
	got, ok := tx.AccountAt(ix, 0)
	require.True(t, ok)
	require.Equal(t, b, got)
	_, ok = tx.AccountAt(ix, 2)
	require.False(t, ok)
	_, ok = tx.AccountAt(ix, 3)
	require.False(t, ok)
}

func TestParseEvents(t *testing.T) {
	t.Parallel()

	registry := BuildRegistry(nil, RegistryOptions{})
	listing, record := solana.NewWallet().PublicKey(), solana.NewWallet().PublicKey()

	out := ResealOutput{Listing: listing, Record: record}
	out.EncryptionKey[0] = 0x42
	out.Nonce[15] = 0x07
	out.C3[31] = 0x99
	line, err := EncodeEvent(EventResealOutput, &out)
	require.NoError(t, err)

	quality, err := EncodeEvent(EventQualityScore, &QualityScoreEvent{ComputationType: "accuracy"})
	require.NoError(t, err)

	logs := []string{
		"Program " + record.String() + " invoke [1]",
		"Program data: not-base64!!",
		line,
		"Program log: Instruction: ResealDekCallback",
		quality,
	}

	events := registry.ParseEvents(logs)
	require.Len(t, events, 2)
	require.Equal(t, EventResealOutput, events[0].Name)
	require.Equal(t, 2, events[0].LogIndex)
	require.Equal(t, EventQualityScore, events[1].Name)
	require.Equal(t, 4, events[1].LogIndex)

	var q QualityScoreEvent
	require.NoError(t, DecodeEvent(events[1], &q))
	require.Equal(t, "accuracy", q.ComputationType)

	got, ok := registry.FindResealOutput(logs, listing, record)
	require.True(t, ok)
	require.Equal(t, out, *got)

	_, ok = registry.FindResealOutput(logs, record, listing)
	require.False(t, ok)
}
