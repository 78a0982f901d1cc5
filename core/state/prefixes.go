package state

var (
	proposalPrefix  = []byte("proposal/")
	factoryPrefix   = []byte("factory/")
	tokenPrefix     = []byte("token/meta/")
	balancePrefix   = []byte("token/balance/")
	allowancePrefix = []byte("token/allowance/")
	quotaPrefix     = []byte("quota/")
	registryPrefix  = []byte("registry/")
	metaPrefix      = []byte("meta/")
)

func hashedKey(prefix []byte, parts ...[]byte) []byte {
	size := len(prefix)
	for _, part := range parts {
		size += len(part) + 1
	}
	buf := make([]byte, 0, size)
	buf = append(buf, prefix...)
	for i, part := range parts {
		if i > 0 {
			buf = append(buf, ':')
		}
		buf = append(buf, part...)
	}
	return keccak(buf)
}

func proposalKey(addr [20]byte) []byte { return hashedKey(proposalPrefix, addr[:]) }

func factoryKey(addr [20]byte) []byte { return hashedKey(factoryPrefix, addr[:]) }

func tokenMetadataKey(addr [20]byte) []byte { return hashedKey(tokenPrefix, addr[:]) }

func balanceKey(token, owner [20]byte) []byte {
	return hashedKey(balancePrefix, token[:], owner[:])
}

func allowanceKey(token, owner, spender [20]byte) []byte {
	return hashedKey(allowancePrefix, token[:], owner[:], spender[:])
}

func quotaKey(module string, caller [20]byte) []byte {
	return hashedKey(quotaPrefix, []byte(module), caller[:])
}

// registryKey indexes plain address lists (factories, tokens) that are
// enumerated by the node and RPC layer. These keep a readable prefix so
// iteration can find them.
func registryKey(kind string) []byte {
	return append(append([]byte{}, registryPrefix...), kind...)
}

func metaKey(name string) []byte { return hashedKey(metaPrefix, []byte(name)) }
