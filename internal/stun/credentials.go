package stun

import "crypto/md5"

func md5Sum(s string) []byte {
	sum := md5.Sum([]byte(s))
	return sum[:]
}
