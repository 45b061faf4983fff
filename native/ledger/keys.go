package ledger

var (
	classPrefix   = []byte("ledger/class/")
	accountPrefix = []byte("ledger/account/")
)

func classKey(pool, instrument [32]byte) []byte {
	buf := make([]byte, len(classPrefix)+64)
	copy(buf, classPrefix)
	copy(buf[len(classPrefix):], pool[:])
	copy(buf[len(classPrefix)+32:], instrument[:])
	return buf
}

func accountKey(pool, instrument [32]byte, owner [20]byte) []byte {
	buf := make([]byte, len(accountPrefix)+84)
	copy(buf, accountPrefix)
	copy(buf[len(accountPrefix):], pool[:])
	copy(buf[len(accountPrefix)+32:], instrument[:])
	copy(buf[len(accountPrefix)+64:], owner[:])
	return buf
}
