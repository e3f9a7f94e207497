package luks

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/stackmesh/dobs-luks-csi/utils"
)

const cryptsetupBin = "cryptsetup"

var (
	// ErrWrongKey means the device is LUKS-formatted but none of its key
	// slots match the offered passphrase.
	ErrWrongKey = errors.New("no key slot matches the offered passphrase")

	// ErrDeviceTooSmall means the block device cannot hold a LUKS2 header.
	ErrDeviceTooSmall = errors.New("device too small for LUKS header")

	// ErrNotLuks means the device carries no LUKS header. EnsureOpen
	// formats first, so hitting this means someone changed the device
	// underneath us.
	ErrNotLuks = errors.New("device has no LUKS header")
)

// Manager wraps the cryptsetup CLI. Key material is always passed on
// stdin via --key-file -, never in the argument vector.
type Manager struct {
	cmd utils.Runner
}

func NewManager() *Manager {
	return &Manager{cmd: &utils.ShellRunner{}}
}

func MapperPath(mapper string) string {
	return "/dev/mapper/" + mapper
}

// IsLuks reports whether the device carries a LUKS header.
func (m *Manager) IsLuks(ctx context.Context, device string) (bool, error) {
	out, err := m.cmd.Run(ctx, cryptsetupBin, "isLuks", "-v", device)
	if err == nil {
		return true, nil
	}
	if strings.Contains(out, "not a valid LUKS device") {
		return false, nil
	}
	return false, err
}

// Format initializes a LUKS2 header on the device. Destroys existing data.
func (m *Manager) Format(ctx context.Context, device, cipher string, keyBits int, key []byte) error {
	out, err := m.cmd.RunInput(ctx, key, cryptsetupBin,
		"luksFormat", "--batch-mode", "--type", "luks2",
		"--cipher", cipher, "--key-size", strconv.Itoa(keyBits),
		"--key-file", "-", device)
	if err != nil {
		if strings.Contains(out, "too small") {
			return fmt.Errorf("%s: %w", device, ErrDeviceTooSmall)
		}
		return err
	}
	return nil
}

// Open maps the device under /dev/mapper/<mapper>. Opening an already
// active mapping is a no-op.
func (m *Manager) Open(ctx context.Context, device, mapper string, key []byte) error {
	out, err := m.cmd.RunInput(ctx, key, cryptsetupBin,
		"luksOpen", "--key-file", "-", device, mapper)
	if err != nil {
		if strings.Contains(out, "No key available") {
			return fmt.Errorf("%s: %w", device, ErrWrongKey)
		}
		if strings.Contains(out, "not a valid LUKS device") {
			return fmt.Errorf("%s: %w", device, ErrNotLuks)
		}
		if strings.Contains(out, "already exists") {
			return nil
		}
		return err
	}
	return nil
}

// TestKey verifies the passphrase against the device's key slots without
// creating a mapping.
func (m *Manager) TestKey(ctx context.Context, device string, key []byte) error {
	out, err := m.cmd.RunInput(ctx, key, cryptsetupBin,
		"luksOpen", "--test-passphrase", "--key-file", "-", device)
	if err != nil {
		if strings.Contains(out, "No key available") {
			return fmt.Errorf("%s: %w", device, ErrWrongKey)
		}
		if strings.Contains(out, "not a valid LUKS device") {
			return fmt.Errorf("%s: %w", device, ErrNotLuks)
		}
		return err
	}
	return nil
}

// Close removes the mapping, silently ignoring already closed ones.
func (m *Manager) Close(ctx context.Context, mapper string) error {
	out, err := m.cmd.Run(ctx, cryptsetupBin, "luksClose", mapper)
	if err != nil && !strings.Contains(out, "is not active") {
		return err
	}
	return nil
}

// Resize grows the mapping to cover the whole underlying device. LUKS2
// requires the passphrase unless the volume key is in the kernel keyring.
func (m *Manager) Resize(ctx context.Context, mapper string, key []byte) error {
	out, err := m.cmd.RunInput(ctx, key, cryptsetupBin,
		"resize", "--key-file", "-", mapper)
	if err != nil {
		if strings.Contains(out, "No key available") {
			return fmt.Errorf("%s: %w", mapper, ErrWrongKey)
		}
		return err
	}
	return nil
}

type Status struct {
	Active  bool
	Type    string
	Cipher  string
	KeyBits int
	Device  string
}

// Status returns the mapping state. An inactive mapper is not an error,
// it yields a zero Status.
func (m *Manager) Status(ctx context.Context, mapper string) (Status, error) {
	out, err := m.cmd.Run(ctx, cryptsetupBin, "status", mapper)
	if err != nil {
		if strings.Contains(out, "is inactive") {
			return Status{}, nil
		}
		return Status{}, err
	}
	return parseStatus(out), nil
}

// parseStatus parses the output of cryptsetup status:
//
//	/dev/mapper/pvc-123 is active and is in use.
//	  type:    LUKS2
//	  cipher:  aes-xts-plain64
//	  keysize: 512 bits
//	  device:  /dev/sda
func parseStatus(out string) Status {
	var st Status
	for i, line := range strings.Split(out, "\n") {
		if i == 0 {
			st.Active = strings.Contains(line, "is active")
			continue
		}
		key, val, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		val = strings.TrimSpace(val)
		switch key {
		case "type":
			st.Type = val
		case "cipher":
			st.Cipher = val
		case "keysize":
			_, _ = fmt.Sscanf(val, "%d", &st.KeyBits)
		case "device":
			st.Device = val
		}
	}
	return st
}

// EnsureOpen makes /dev/mapper/<mapper> available for the device,
// initializing the LUKS header on first use. Idempotent: an already
// active mapping is verified against the offered key and left untouched.
// Returns true when the device was freshly formatted.
func (m *Manager) EnsureOpen(ctx context.Context, device, mapper, cipher string, keyBits int, key []byte) (bool, error) {
	st, err := m.Status(ctx, mapper)
	if err != nil {
		return false, err
	}
	if st.Active {
		if err := m.TestKey(ctx, device, key); err != nil {
			return false, err
		}
		return false, nil
	}

	isLuks, err := m.IsLuks(ctx, device)
	if err != nil {
		return false, err
	}

	formatted := false
	if !isLuks {
		if err := m.Format(ctx, device, cipher, keyBits, key); err != nil {
			return false, err
		}
		formatted = true
	}

	if err := m.Open(ctx, device, mapper, key); err != nil {
		return false, err
	}
	return formatted, nil
}
