/*
Package security encrypts secret fields before they reach disk.

SecretsManager wraps AES-256-GCM with a random nonce prepended to every
ciphertext. The key is either supplied directly (32 bytes) or derived from a
passphrase with SHA-256:

	sm, err := security.NewSecretsManagerFromPassword(cfg.SecretsKey)
	store, err := storage.NewBoltStore(dir, storage.WithSealer(sm))

Seal and Open work on strings so they can be applied to struct fields. A
sealed value looks like

	enc:v1:<base64(nonce || ciphertext || tag)>

Open returns values without the prefix unchanged, so a store written before
a key was configured stays readable after one is added. Removing the key
again is not supported: sealed fields would be returned as-is.
*/
package security
