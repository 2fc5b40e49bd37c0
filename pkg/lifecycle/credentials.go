package lifecycle

import (
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"fmt"

	"github.com/netsoc/instanced/pkg/types"
	"golang.org/x/crypto/bcrypt"
	"golang.org/x/crypto/ssh"
)

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// generateRootUser produces a fresh plaintext password, its crypted hash, a
// fresh SSH keypair, and the types.RootUser persisted into metadata. Only
// the hash and public key are ever written to the hypervisor; the
// plaintext and private key are returned once and never stored (§4.7).
func generateRootUser() (plaintextPassword, sshPrivateKey string, rootUser types.RootUser, err error) {
	plaintextPassword, err = randomPassword(20)
	if err != nil {
		return "", "", types.RootUser{}, fmt.Errorf("generate password: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(plaintextPassword), bcrypt.DefaultCost)
	if err != nil {
		return "", "", types.RootUser{}, fmt.Errorf("hash password: %w", err)
	}

	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return "", "", types.RootUser{}, fmt.Errorf("generate ssh keypair: %w", err)
	}

	sshPub, err := ssh.NewPublicKey(pub)
	if err != nil {
		return "", "", types.RootUser{}, fmt.Errorf("derive ssh public key: %w", err)
	}

	block, err := ssh.MarshalPrivateKey(priv, "instanced root key")
	if err != nil {
		return "", "", types.RootUser{}, fmt.Errorf("marshal ssh private key: %w", err)
	}

	return plaintextPassword,
		string(pem.EncodeToMemory(block)),
		types.RootUser{
			PasswordHash: string(hash),
			SSHPublicKey: string(ssh.MarshalAuthorizedKey(sshPub)),
		},
		nil
}

func randomPassword(length int) (string, error) {
	buf := make([]byte, length)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, length)
	for i, b := range buf {
		out[i] = passwordAlphabet[int(b)%len(passwordAlphabet)]
	}
	return string(out), nil
}
