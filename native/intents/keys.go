package intents

var (
	batchPrefix   = []byte("intents/batch/")
	intentPrefix  = []byte("intents/intent/")
	currentPrefix = []byte("intents/current/")
	seqPrefix     = []byte("intents/seq/")
	quotaPrefix   = []byte("intents/quota/")
)

func prefixed(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, p := range parts {
		size += len(p)
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for _, p := range parts {
		buf = append(buf, p...)
	}
	return buf
}

func batchKey(id [32]byte) []byte     { return prefixed(batchPrefix, id[:]) }
func intentKey(id [32]byte) []byte    { return prefixed(intentPrefix, id[:]) }
func currentKey(pool [32]byte) []byte { return prefixed(currentPrefix, pool[:]) }
func seqKey(pool [32]byte) []byte     { return prefixed(seqPrefix, pool[:]) }
func quotaKey(owner [20]byte) []byte  { return prefixed(quotaPrefix, owner[:]) }
