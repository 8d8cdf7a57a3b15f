package tether

import (
	"testing"

	cv "github.com/glycerine/goconvey/convey"
)

func Test010_crypticle_seal_open(t *testing.T) {

	for _, cipher := range []string{CipherAES, CipherChaCha, CipherAscon} {
		for _, comp := range []string{CompressNone, CompressS2, CompressLZ4, CompressZstd} {
			cipher, comp := cipher, comp
			cv.Convey("cipher "+cipher+" with compression '"+comp+"' should round trip a Load", t, func() {
				key := GenerateKeyString(192, cipher)
				c, err := NewCrypticle(key, cipher, comp)
				panicOn(err)

				nonce := NewNonce()
				ld := Load{"cmd": "test.ping", "arg": []interface{}{"a", "b"}, "n": int64(7)}
				sealed, err := c.DumpLoad(ld, nonce)
				panicOn(err)

				// a second crypticle from the same key string
				// must open it; that is the whole point.
				c2, err := NewCrypticle(key, cipher, comp)
				panicOn(err)
				got, raw, err := c2.LoadLoad(sealed, nonce)
				panicOn(err)
				cv.So(len(raw), cv.ShouldBeGreaterThan, 0)
				cmd, _ := got.GetString("cmd")
				cv.So(cmd, cv.ShouldEqual, "test.ping")
				n, _ := got.GetInt("n")
				cv.So(n, cv.ShouldEqual, 7)
			})
		}
	}
}

func Test011_crypticle_rejects_tampering(t *testing.T) {

	for _, cipher := range []string{CipherAES, CipherChaCha, CipherAscon} {
		cipher := cipher
		cv.Convey("flipping any late byte of a "+cipher+" sealed load must fail authentication", t, func() {
			c, err := NewCrypticle(GenerateKeyString(192, cipher), cipher, "")
			panicOn(err)
			sealed, err := c.DumpLoad(Load{"k": "v"}, "")
			panicOn(err)

			sealed[len(sealed)-1] ^= 0x01
			_, _, err = c.LoadLoad(sealed, "")
			cv.So(err, cv.ShouldNotBeNil)
			cv.So(isAuthError(err), cv.ShouldBeTrue)
		})
	}

	cv.Convey("opening under the wrong key must fail authentication, never produce garbage", t, func() {
		c1, err := NewCrypticle(GenerateKeyString(192, CipherAES), CipherAES, "")
		panicOn(err)
		c2, err := NewCrypticle(GenerateKeyString(192, CipherAES), CipherAES, "")
		panicOn(err)
		sealed, err := c1.DumpLoad(Load{"k": "v"}, "")
		panicOn(err)
		_, _, err = c2.LoadLoad(sealed, "")
		cv.So(isAuthError(err), cv.ShouldBeTrue)
	})
}

func Test012_crypticle_nonce_and_replay(t *testing.T) {

	cv.Convey("a sealed load presented against the wrong nonce must be rejected", t, func() {
		c, err := NewCrypticle(GenerateKeyString(192, CipherAES), CipherAES, "")
		panicOn(err)
		sealed, err := c.DumpLoad(Load{"k": "v"}, NewNonce())
		panicOn(err)
		_, _, err = c.LoadLoad(sealed, NewNonce())
		cv.So(isAuthError(err), cv.ShouldBeTrue)
	})

	cv.Convey("with ReplayGuard on, replaying an already-seen load must be rejected", t, func() {
		key := GenerateKeyString(192, CipherAES)
		sender, err := NewCrypticle(key, CipherAES, "")
		panicOn(err)
		recvr, err := NewCrypticle(key, CipherAES, "")
		panicOn(err)
		recvr.ReplayGuard = true

		first, err := sender.DumpLoad(Load{"seq": int64(1)}, "")
		panicOn(err)
		second, err := sender.DumpLoad(Load{"seq": int64(2)}, "")
		panicOn(err)

		_, _, err = recvr.LoadLoad(first, "")
		panicOn(err)
		_, _, err = recvr.LoadLoad(second, "")
		panicOn(err)

		// replay of either must bounce.
		_, _, err = recvr.LoadLoad(second, "")
		cv.So(isAuthError(err), cv.ShouldBeTrue)
		_, _, err = recvr.LoadLoad(first, "")
		cv.So(isAuthError(err), cv.ShouldBeTrue)
	})
}

func Test013_keys_sign_verify_seal(t *testing.T) {

	cv.Convey("RSA keypairs should sign/verify and seal/unseal under every named algorithm", t, func() {
		dir := t.TempDir()
		priv, err := LoadOrMakeKeys(dir, "minion", 1024)
		panicOn(err)

		// reload gives the same key material.
		again, err := LoadOrMakeKeys(dir, "minion", 1024)
		panicOn(err)
		cv.So(priv.Key.Equal(again.Key), cv.ShouldBeTrue)

		msg := []byte("minion-okra-3")
		for _, algo := range []string{SignPKCS1v15SHA1, SignPKCS1v15SHA256, SignPSSSHA256} {
			sig, err := priv.Sign(msg, algo)
			panicOn(err)
			err = priv.Public().Verify(msg, sig, algo)
			cv.So(err, cv.ShouldBeNil)
			err = priv.Public().Verify([]byte("minion-okra-4"), sig, algo)
			cv.So(isAuthError(err), cv.ShouldBeTrue)
		}

		for _, algo := range []string{EncryptOAEPSHA1, EncryptOAEPSHA256} {
			secret := cryRandBytes(48)
			ct, err := priv.Public().Encrypt(secret, algo)
			panicOn(err)
			pt, err := priv.Decrypt(ct, algo)
			panicOn(err)
			cv.So(string(pt), cv.ShouldEqual, string(secret))
		}

		// PEM round trip of the public half.
		pub2, err := ParsePublicKeyPEM(priv.Public().PEM())
		panicOn(err)
		cv.So(pub2.Key.Equal(priv.Public().Key), cv.ShouldBeTrue)
		cv.So(pub2.Fingerprint(), cv.ShouldEqual, priv.Public().Fingerprint())
	})
}

func Test014_key_string_sized_for_cipher(t *testing.T) {

	cv.Convey("GenerateKeyString must widen the cipher half to what the suite needs, even when the configured bit size is smaller", t, func() {
		// 192 bits is 24 bytes, short of chacha20poly1305's 32.
		key := GenerateKeyString(192, CipherChaCha)
		c, err := NewCrypticle(key, CipherChaCha, "")
		panicOn(err)
		sealed, err := c.DumpLoad(Load{"k": "v"}, "")
		panicOn(err)
		got, _, err := c.LoadLoad(sealed, "")
		panicOn(err)
		v, _ := got.GetString("k")
		cv.So(v, cv.ShouldEqual, "v")
	})

	cv.Convey("NewCrypticle must reject a key string too short for the suite instead of failing later at Encrypt", t, func() {
		short := GenerateKeyString(192, CipherAES) // 24 byte cipher half
		_, err := NewCrypticle(short, CipherChaCha, "")
		cv.So(err, cv.ShouldNotBeNil)

		c, err := NewCrypticle(short, CipherAscon, "")
		panicOn(err) // ascon128a only needs 16
		_, err = c.DumpLoad(Load{"k": "v"}, "")
		cv.So(err, cv.ShouldBeNil)
	})
}
