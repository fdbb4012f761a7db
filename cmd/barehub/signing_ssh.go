package main

import (
	"crypto/rand"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"

	"github.com/odvcencio/barehub/pkg/repo"
)

const (
	sshsigMagic     = "SSHSIG"
	sshsigVersion   = 1
	sshsigNamespace = "git"
	sshsigHash      = "sha512"
	sshsigLineWidth = 70
)

// sshsigBlob is the body of an armored SSH signature after the magic
// preamble.
type sshsigBlob struct {
	Version       uint32
	PublicKey     []byte
	Namespace     string
	Reserved      string
	HashAlgorithm string
	Signature     []byte
}

// sshsigSignedData is what the private key actually signs.
type sshsigSignedData struct {
	Namespace     string
	Reserved      string
	HashAlgorithm string
	Hash          []byte
}

// newSSHCommitSigner loads the private key at keyPath (or the first default
// key in ~/.ssh) and returns a signer producing "-----BEGIN SSH SIGNATURE-----"
// armor that `git verify-commit` accepts with gpg.format=ssh.
func newSSHCommitSigner(keyPath string) (repo.CommitSigner, string, error) {
	resolvedPath, err := resolveSigningKeyPath(keyPath)
	if err != nil {
		return nil, "", err
	}

	raw, err := os.ReadFile(resolvedPath)
	if err != nil {
		return nil, "", fmt.Errorf("read signing key %q: %w", resolvedPath, err)
	}
	signer, err := ssh.ParsePrivateKey(raw)
	if err != nil {
		return nil, "", fmt.Errorf("parse signing key %q: %w", resolvedPath, err)
	}
	return sshCommitSigner(signer), resolvedPath, nil
}

func sshCommitSigner(signer ssh.Signer) repo.CommitSigner {
	pub := signer.PublicKey().Marshal()
	return func(payload []byte) (string, error) {
		digest := sha512.Sum512(payload)
		toSign := append([]byte(sshsigMagic), ssh.Marshal(sshsigSignedData{
			Namespace:     sshsigNamespace,
			HashAlgorithm: sshsigHash,
			Hash:          digest[:],
		})...)

		sig, err := signWithPreferredAlgorithm(signer, toSign)
		if err != nil {
			return "", fmt.Errorf("ssh sign: %w", err)
		}

		blob := append([]byte(sshsigMagic), ssh.Marshal(sshsigBlob{
			Version:       sshsigVersion,
			PublicKey:     pub,
			Namespace:     sshsigNamespace,
			HashAlgorithm: sshsigHash,
			Signature:     ssh.Marshal(sig),
		})...)
		return armorSSHSignature(blob), nil
	}
}

// signWithPreferredAlgorithm avoids SHA-1 RSA signatures, which sshsig
// verifiers reject.
func signWithPreferredAlgorithm(signer ssh.Signer, data []byte) (*ssh.Signature, error) {
	if signer.PublicKey().Type() == ssh.KeyAlgoRSA {
		if as, ok := signer.(ssh.AlgorithmSigner); ok {
			return as.SignWithAlgorithm(rand.Reader, data, ssh.KeyAlgoRSASHA512)
		}
	}
	return signer.Sign(rand.Reader, data)
}

func armorSSHSignature(blob []byte) string {
	encoded := base64.StdEncoding.EncodeToString(blob)
	var b strings.Builder
	b.WriteString("-----BEGIN SSH SIGNATURE-----\n")
	for len(encoded) > sshsigLineWidth {
		b.WriteString(encoded[:sshsigLineWidth])
		b.WriteByte('\n')
		encoded = encoded[sshsigLineWidth:]
	}
	if encoded != "" {
		b.WriteString(encoded)
		b.WriteByte('\n')
	}
	b.WriteString("-----END SSH SIGNATURE-----")
	return b.String()
}

func resolveSigningKeyPath(path string) (string, error) {
	path = strings.TrimSpace(path)
	if path != "" {
		return expandUserPath(path)
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home dir: %w", err)
	}
	candidates := []string{
		filepath.Join(home, ".ssh", "id_ed25519"),
		filepath.Join(home, ".ssh", "id_ecdsa"),
		filepath.Join(home, ".ssh", "id_rsa"),
	}
	for _, candidate := range candidates {
		if st, err := os.Stat(candidate); err == nil && !st.IsDir() {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("no default SSH private key found in ~/.ssh (id_ed25519, id_ecdsa, id_rsa)")
}

func expandUserPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home dir: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}
	return filepath.Abs(path)
}
