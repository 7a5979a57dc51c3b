package security

import (
	"fmt"
	"net"
)

// cidrBlock はビットマスクで包含判定を行うネットワーク範囲。
// IPv4は4バイト、IPv6は16バイトの表現で比較する。
type cidrBlock struct {
	network []byte
	bits    int
	label   string
}

// mustParseCIDR はCIDR表記をcidrBlockに変換する。パッケージ初期化専用。
func mustParseCIDR(cidr, label string) cidrBlock {
	ip, network, err := net.ParseCIDR(cidr)
	if err != nil {
		panic(fmt.Sprintf("invalid CIDR in blockedRanges: %s: %v", cidr, err))
	}
	ones, _ := network.Mask.Size()

	addr := ip.To4()
	if addr == nil {
		addr = ip.To16()
	}
	return cidrBlock{
		network: applyMask(addr, ones),
		bits:    ones,
		label:   label,
	}
}

// contains はアドレスがこの範囲に含まれるかを判定する。
// アドレス長（IPv4/IPv6）が範囲と異なる場合は含まれない。
func (b cidrBlock) contains(addr []byte) bool {
	if len(addr) != len(b.network) {
		return false
	}

	full := b.bits / 8
	for i := 0; i < full; i++ {
		if addr[i] != b.network[i] {
			return false
		}
	}

	rem := b.bits % 8
	if rem == 0 {
		return true
	}
	mask := byte(0xff << (8 - rem))
	return addr[full]&mask == b.network[full]&mask
}

// applyMask は先頭bitsビットのみを残したアドレスのコピーを返す。
func applyMask(addr []byte, bits int) []byte {
	out := make([]byte, len(addr))
	for i := range addr {
		switch {
		case bits >= 8:
			out[i] = addr[i]
			bits -= 8
		case bits > 0:
			out[i] = addr[i] & byte(0xff<<(8-bits))
			bits = 0
		default:
			out[i] = 0
		}
	}
	return out
}

// canonicalAddr はnet.IPを比較用のバイト列に正規化する。
// IPv4射影IPv6アドレス（::ffff:a.b.c.d）はIPv4として扱う。
func canonicalAddr(ip net.IP) []byte {
	if v4 := ip.To4(); v4 != nil {
		return v4
	}
	return ip.To16()
}
