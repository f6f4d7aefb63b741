// Package secure keeps key material inside memguard enclaves.
//
// Derived encryption keys are sealed into an enclave as soon as they are
// computed and only opened for the duration of a single cipher operation:
//
//	buf, err := secure.NewSecureBuffer(key)
//	if err != nil {
//	    return err
//	}
//	defer buf.Destroy()
//
//	err = buf.With(func(k []byte) error {
//	    aead, err := chacha20poly1305.NewX(k)
//	    ...
//	})
//
// The plaintext slice handed to With is wiped when the callback returns and
// must not be retained. Call memguard.Purge at process exit to scrub every
// remaining enclave.
package secure
