package engine

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/maxpert/forwarder/xid"
)

// Key layout:
//
//	/xa/{xid}                        transaction record
//	/dst/{xxhash(name):016x}/{seq}   destination message
//	/fwd/{channel}/{seq}             forward queue entry
//	/meta/{name}                     counters
const (
	prefixXA   = "/xa/"
	prefixDst  = "/dst/"
	prefixFwd  = "/fwd/"
	prefixMeta = "/meta/"

	metaDstSeq = "dst_seq"
	metaFwdSeq = "fwd_seq"
)

func xaKey(x xid.Xid) []byte {
	return []byte(prefixXA + x.String())
}

func dstPrefix(name string) []byte {
	return []byte(fmt.Sprintf("%s%016x/", prefixDst, xxhash.Sum64String(name)))
}

func dstKey(name string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%016x/%016x", prefixDst, xxhash.Sum64String(name), seq))
}

func fwdPrefix(channel string) []byte {
	return []byte(prefixFwd + channel + "/")
}

func fwdKey(channel string, seq uint64) []byte {
	return []byte(fmt.Sprintf("%s%s/%016x", prefixFwd, channel, seq))
}

func metaKey(name string) []byte {
	return []byte(prefixMeta + name)
}

// parseSeqKey returns the middle component and trailing sequence of a
// "{prefix}{middle}/{seq:016x}" key.
func parseSeqKey(prefix string, key []byte) (string, uint64, bool) {
	s := strings.TrimPrefix(string(key), prefix)
	i := strings.LastIndexByte(s, '/')
	if i < 0 {
		return "", 0, false
	}
	seq, err := strconv.ParseUint(s[i+1:], 16, 64)
	if err != nil {
		return "", 0, false
	}
	return s[:i], seq, true
}

func prefixUpperBound(prefix []byte) []byte {
	upper := make([]byte, len(prefix)+8)
	copy(upper, prefix)
	for i := len(prefix); i < len(upper); i++ {
		upper[i] = 0xFF
	}
	return upper
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) uint64 {
	if len(b) != 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
