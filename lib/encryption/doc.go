// Package encryption seals selected record fields before they reach a
// driver and opens them again on the way out.
//
// Every value gets a fresh random nonce and is stored as
// "encrypted:" + base64(nonce || ciphertext). Non-string values are JSON
// encoded first and tagged "encrypted:j:", so numbers, arrays and objects
// come back with their original shape. The cipher key is the SHA-256 of the
// configured passphrase; AES-256-GCM and XChaCha20-Poly1305 are supported.
//
// Decryption failures are reported per field: the tagged string stays in
// the record and Failed lists its path.
package encryption
