package devices

import (
	"errors"
	"fmt"

	"github.com/MarcoPoloResearchLab/clipnet/internal/channels"
)

const defaultMaxNameAttempts = 1000

var (
	errMissingNameGenerator = errors.New("devices: name generator required")
	// ErrNameExhausted indicates the generator kept proposing taken names.
	ErrNameExhausted = errors.New("devices: no unique name available")
	// ErrNameTaken indicates a requested name collides with a device already in the network.
	ErrNameTaken = errors.New("devices: name already in use")
)

// ResolverConfig configures a Resolver.
type ResolverConfig struct {
	Generator   NameGenerator
	MaxAttempts int
}

// Resolver picks a device name that no other device in the network uses.
type Resolver struct {
	generator   NameGenerator
	maxAttempts int
}

// NewResolver constructs a Resolver.
func NewResolver(cfg ResolverConfig) (*Resolver, error) {
	if cfg.Generator == nil {
		return nil, errMissingNameGenerator
	}
	attempts := cfg.MaxAttempts
	if attempts <= 0 {
		attempts = defaultMaxNameAttempts
	}
	return &Resolver{generator: cfg.Generator, maxAttempts: attempts}, nil
}

// Resolve returns a device of the given type whose name does not collide with
// any of the known names. Names are compared in canonical form because two
// names with the same canonical form would share a private channel.
//
// The check is not atomic with respect to devices joining concurrently.
func (r *Resolver) Resolve(known []string, deviceType Type) (Device, error) {
	taken := canonicalSet(known)

	for attempt := 0; attempt < r.maxAttempts; attempt++ {
		candidate := r.generator.Generate()
		device := Device{Name: candidate, Type: ParseType(string(deviceType))}
		if device.Validate() != nil {
			continue
		}
		if _, collides := taken[channels.Canonicalize(candidate)]; collides {
			continue
		}
		return device, nil
	}
	return Device{}, fmt.Errorf("%w after %d attempts", ErrNameExhausted, r.maxAttempts)
}

// Claim returns a device using the requested name, or ErrNameTaken when a
// known name shares its canonical form.
func Claim(name string, known []string, deviceType Type) (Device, error) {
	device := Device{Name: name, Type: ParseType(string(deviceType))}
	if err := device.Validate(); err != nil {
		return Device{}, err
	}
	if _, collides := canonicalSet(known)[channels.Canonicalize(name)]; collides {
		return Device{}, fmt.Errorf("%w: %q", ErrNameTaken, name)
	}
	return device, nil
}

func canonicalSet(names []string) map[string]struct{} {
	set := make(map[string]struct{}, len(names))
	for _, name := range names {
		set[channels.Canonicalize(name)] = struct{}{}
	}
	return set
}
