package cli

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"

	"github.com/dusklabs/penumbra/internal/cryptox"
)

// readPassword is a test seam for term.ReadPassword.
// In tests you can replace it with a stub to avoid touching the terminal.
var readPassword = term.ReadPassword

const saltSize = 16

// resolveKey turns whichever key source the user chose into raw key bytes.
// Exactly one of keyHex, keyFile or passphrase should be used; an empty
// selection returns a nil key, meaning key material is generated elsewhere.
// With a passphrase and no salt a fresh salt is generated and returned so it
// can be shown to the user.
func resolveKey(keyHex, keyFile string, passphrase bool, saltHex string, w io.Writer) (key, salt []byte, err error) {
	switch {
	case keyHex != "":
		key, err = hex.DecodeString(keyHex)
		if err != nil {
			return nil, nil, fmt.Errorf("invalid key: %w", err)
		}
		return key, nil, nil

	case keyFile != "":
		raw, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, nil, err
		}
		if len(raw) == cryptox.KeySize {
			return raw, nil, nil
		}
		key, err = hex.DecodeString(strings.TrimSpace(string(raw)))
		if err != nil {
			return nil, nil, fmt.Errorf("key file is neither raw nor hex: %w", err)
		}
		return key, nil, nil

	case passphrase:
		if saltHex != "" {
			salt, err = hex.DecodeString(saltHex)
			if err != nil {
				return nil, nil, fmt.Errorf("invalid salt: %w", err)
			}
		} else {
			salt = make([]byte, saltSize)
			if _, err := rand.Read(salt); err != nil {
				return nil, nil, err
			}
		}

		fmt.Fprint(w, "Enter passphrase: ")
		pw, err := readPassword(int(os.Stdin.Fd()))
		fmt.Fprintln(w)
		if err != nil {
			return nil, nil, err
		}
		key = cryptox.DeriveKey(pw, salt)
		cryptox.Wipe(pw)
		return key, salt, nil

	default:
		return nil, nil, nil
	}
}
