// Package crypto implements the cryptographic primitives used by the
// newswire protocol: Ed25519 detached signatures over response payloads
// and NaCl anonymous sealed boxes for envelope confidentiality.
//
// All key material is handled as fixed-size byte arrays. Keys are
// exchanged with the configuration layer as lowercase hex strings.
//
// Example:
//
//	keys, err := crypto.GenerateKeyPair()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	fmt.Println("Public key:", crypto.EncodeKey(keys.Public))
package crypto
