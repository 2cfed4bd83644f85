package chainsensors_protocol

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	log "github.com/sirupsen/logrus"
)

// ResealCallbackName is the callback the MXE cluster invokes after a reseal.
const ResealCallbackName = "reseal_dek_callback"

// DefaultCallbackNames are always treated as callbacks, whatever the IDL
// says, so older program builds keep matching.
var DefaultCallbackNames = []string{
	ResealCallbackName,
	"resealDekCallback",
	"computeAccuracyScoreCallback",
}

// Events the indexer and the reseal flow decode.
const (
	EventResealOutput        = "ResealOutput"
	EventQualityScore        = "QualityScoreEvent"
	EventPurchaseFinalized   = "PurchaseFinalized"
	EventPurchaseSealed      = "PurchaseSealed"
	EventFinalizeComputation = "FinalizeComputationEvent"
)

// Discriminator returns the Anchor instruction tag for name.
func Discriminator(name string) [8]byte {
	return hashPrefix("global:" + name)
}

// EventDiscriminator returns the Anchor event tag for name.
func EventDiscriminator(name string) [8]byte {
	return hashPrefix("event:" + name)
}

func hashPrefix(s string) [8]byte {
	var out [8]byte
	sum := sha256.Sum256([]byte(s))
	copy(out[:], sum[:8])
	return out
}

// RegistryOptions carries the operator-controlled parts of a Registry.
type RegistryOptions struct {
	// CallbackNames are added to the callback set on top of the IDL matches.
	CallbackNames []string
	// CallbackHex is a comma separated list of raw 8-byte discriminators.
	CallbackHex string
}

// Registry maps instruction and event discriminators to names. It is built
// once and never mutated afterwards.
type Registry struct {
	instructions map[[8]byte]string
	callbacks    map[[8]byte]string
	events       map[[8]byte]string
	degraded     bool
}

// BuildRegistry derives every discriminator from idl. A nil idl puts the
// registry in degraded mode with only the reseal callback known.
func BuildRegistry(idl *IDL, opts RegistryOptions) *Registry {
	r := &Registry{
		instructions: make(map[[8]byte]string),
		callbacks:    make(map[[8]byte]string),
		events:       make(map[[8]byte]string),
	}

	if idl == nil || len(idl.Instructions) == 0 {
		log.Warn("instruction schema unavailable, callback detection limited to " + ResealCallbackName)
		r.degraded = true
		disc := Discriminator(ResealCallbackName)
		r.instructions[disc] = ResealCallbackName
		r.callbacks[disc] = ResealCallbackName
	} else {
		for _, ix := range idl.Instructions {
			disc := Discriminator(ix.Name)
			r.instructions[disc] = ix.Name
			if strings.Contains(strings.ToLower(ix.Name), "callback") {
				r.callbacks[disc] = ix.Name
			}
		}
		for _, ev := range idl.Events {
			r.events[EventDiscriminator(ev.Name)] = ev.Name
		}

		names := append([]string{}, DefaultCallbackNames...)
		names = append(names, opts.CallbackNames...)
		for _, name := range names {
			disc := Discriminator(name)
			r.callbacks[disc] = name
			if _, ok := r.instructions[disc]; !ok {
				r.instructions[disc] = name
			}
		}
	}

	for _, name := range []string{EventResealOutput, EventQualityScore, EventPurchaseFinalized, EventPurchaseSealed} {
		r.events[EventDiscriminator(name)] = name
	}

	for _, raw := range strings.Split(opts.CallbackHex, ",") {
		raw = strings.TrimPrefix(strings.ToLower(strings.TrimSpace(raw)), "0x")
		if raw == "" {
			continue
		}
		b, err := hex.DecodeString(raw)
		if err != nil || len(b) != 8 {
			log.WithField("value", raw).Warn("ignoring callback discriminator override, want 16 hex chars")
			continue
		}
		var disc [8]byte
		copy(disc[:], b)
		name := "override:" + raw
		r.callbacks[disc] = name
		if _, ok := r.instructions[disc]; !ok {
			r.instructions[disc] = name
		}
	}

	log.WithFields(log.Fields{
		"instructions": len(r.instructions),
		"callbacks":    len(r.callbacks),
		"events":       len(r.events),
		"degraded":     r.degraded,
	}).Debug("discriminator registry built")

	return r
}

// IsCallback reports whether disc identifies a callback instruction.
func (r *Registry) IsCallback(disc [8]byte) bool {
	_, ok := r.callbacks[disc]
	return ok
}

// InstructionName returns the instruction name for disc.
func (r *Registry) InstructionName(disc [8]byte) (string, bool) {
	name, ok := r.instructions[disc]
	return name, ok
}

// EventName returns the event name for disc.
func (r *Registry) EventName(disc [8]byte) (string, bool) {
	name, ok := r.events[disc]
	return name, ok
}

// CallbackNames lists the callback names, sorted.
func (r *Registry) CallbackNames() []string {
	names := make([]string, 0, len(r.callbacks))
	for _, n := range r.callbacks {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Degraded reports whether the registry was built without a schema.
func (r *Registry) Degraded() bool { return r.degraded }
