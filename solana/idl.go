package chainsensors_protocol

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/gagliardetto/solana-go"
)

//go:embed idl/chain_sensors.json
var defaultIDL []byte

type IDL struct {
	Version      string              `json:"version"`
	Name         string              `json:"name"`
	Address      string              `json:"address"`
	Metadata     IDLMetadata         `json:"metadata"`
	Instructions []IDLInstruction    `json:"instructions"`
	Accounts     []IDLTypeDefinition `json:"accounts"`
	Events       []IDLEvent          `json:"events"`
	Types        []IDLTypeDefinition `json:"types"`
	Errors       []IDLError          `json:"errors"`
}

type IDLMetadata struct {
	Name    string `json:"name"`
	Version string `json:"version"`
	Spec    string `json:"spec"`
}

type IDLInstruction struct {
	Name          string       `json:"name"`
	Discriminator []byte       `json:"discriminator"`
	Args          []IDLField   `json:"args"`
	Accounts      []IDLAccount `json:"accounts"`
}

type IDLEvent struct {
	Name          string     `json:"name"`
	Discriminator []byte     `json:"discriminator"`
	Fields        []IDLField `json:"fields"`
}

type IDLField struct {
	Name string          `json:"name"`
	Type json.RawMessage `json:"type"`
}

// IDLAccount accepts both the legacy (isMut/isSigner) and the 0.30
// (writable/signer) Anchor spellings.
type IDLAccount struct {
	Name     string `json:"name"`
	IsMut    bool   `json:"isMut"`
	IsSigner bool   `json:"isSigner"`
	Writable bool   `json:"writable"`
	Signer   bool   `json:"signer"`
	Address  string `json:"address,omitempty"`
}

func (a IDLAccount) IsWritable() bool { return a.IsMut || a.Writable }

func (a IDLAccount) IsSignerAccount() bool { return a.IsSigner || a.Signer }

type IDLTypeDefinition struct {
	Name string `json:"name"`
	Type struct {
		Kind   string     `json:"kind"`
		Fields []IDLField `json:"fields"`
	} `json:"type"`
}

type IDLError struct {
	Code int    `json:"code"`
	Name string `json:"name"`
	Msg  string `json:"msg"`
}

func ParseIDL(idlBytes []byte) (*IDL, error) {
	var idl IDL
	err := json.Unmarshal(idlBytes, &idl)
	if err != nil {
		return nil, fmt.Errorf("error unmarshalling IDL JSON: %w", err)
	}
	return &idl, nil
}

// LoadIDL reads the IDL at path, or the embedded chain_sensors IDL when path
// is empty.
func LoadIDL(path string) (*IDL, error) {
	if path == "" {
		return ParseIDL(defaultIDL)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read IDL file: %w", err)
	}
	return ParseIDL(data)
}

// Instruction returns the declared instruction with the given name.
func (idl *IDL) Instruction(name string) (*IDLInstruction, bool) {
	if idl == nil {
		return nil, false
	}
	for i := range idl.Instructions {
		if idl.Instructions[i].Name == name {
			return &idl.Instructions[i], true
		}
	}
	return nil, false
}

// AccountIndex returns the position of the first account whose name matches
// one of candidates, compared case-insensitively and ignoring underscores.
// Candidates are tried in order.
func (ix *IDLInstruction) AccountIndex(candidates ...string) (int, bool) {
	for _, want := range candidates {
		want = normalizeName(want)
		for i, acc := range ix.Accounts {
			if normalizeName(acc.Name) == want {
				return i, true
			}
		}
	}
	return -1, false
}

// BuildInstruction assembles an instruction for the named IDL entry. Accounts
// are taken from the map by IDL name, in IDL order; an account with a fixed
// address in the IDL may be omitted.
func (idl *IDL) BuildInstruction(
	programID solana.PublicKey,
	name string,
	accounts map[string]solana.PublicKey,
	args []byte,
) (solana.Instruction, error) {
	ix, ok := idl.Instruction(name)
	if !ok {
		return nil, fmt.Errorf("instruction %q not found in IDL", name)
	}

	metas := make([]*solana.AccountMeta, 0, len(ix.Accounts))
	for _, acc := range ix.Accounts {
		key, ok := accounts[acc.Name]
		if !ok {
			if acc.Address == "" {
				return nil, fmt.Errorf("missing account %q for instruction %q", acc.Name, name)
			}
			var err error
			key, err = solana.PublicKeyFromBase58(acc.Address)
			if err != nil {
				return nil, fmt.Errorf("invalid fixed address for account %q: %w", acc.Name, err)
			}
		}
		metas = append(metas, solana.NewAccountMeta(key, acc.IsWritable(), acc.IsSignerAccount()))
	}

	disc := Discriminator(name)
	data := make([]byte, 0, len(disc)+len(args))
	data = append(data, disc[:]...)
	data = append(data, args...)
	return solana.NewInstruction(programID, metas, data), nil
}

func normalizeName(s string) string {
	return strings.ToLower(strings.ReplaceAll(s, "_", ""))
}
