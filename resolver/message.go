package resolver

import (
	"net/netip"

	mDNS "github.com/miekg/dns"
)

func FqdnToDomain(fqdn string) string {
	if mDNS.IsFqdn(fqdn) {
		return fqdn[:len(fqdn)-1]
	}
	return fqdn
}

func FixedResponse(id uint16, question mDNS.Question, addresses []netip.Addr, timeToLive uint32) *mDNS.Msg {
	response := mDNS.Msg{
		MsgHdr: mDNS.MsgHdr{
			Id:       id,
			Rcode:    mDNS.RcodeSuccess,
			Response: true,
		},
		Question: []mDNS.Question{question},
	}
	for _, address := range addresses {
		if address.Is4() {
			response.Answer = append(response.Answer, &mDNS.A{
				Hdr: mDNS.RR_Header{
					Name:   question.Name,
					Rrtype: mDNS.TypeA,
					Class:  mDNS.ClassINET,
					Ttl:    timeToLive,
				},
				A: address.AsSlice(),
			})
		} else {
			response.Answer = append(response.Answer, &mDNS.AAAA{
				Hdr: mDNS.RR_Header{
					Name:   question.Name,
					Rrtype: mDNS.TypeAAAA,
					Class:  mDNS.ClassINET,
					Ttl:    timeToLive,
				},
				AAAA: address.AsSlice(),
			})
		}
	}
	return &response
}

func RcodeResponse(id uint16, question mDNS.Question, rcode int) *mDNS.Msg {
	return &mDNS.Msg{
		MsgHdr: mDNS.MsgHdr{
			Id:       id,
			Rcode:    rcode,
			Response: true,
		},
		Question: []mDNS.Question{question},
	}
}

// minimumTTL is the smallest positive answer TTL. It stays zero only when no
// record carries one, which marks the response uncacheable.
func minimumTTL(message *mDNS.Msg) uint32 {
	ttl := uint32(0)
	for _, record := range message.Answer {
		recordTTL := record.Header().Ttl
		if ttl == 0 || recordTTL > 0 && recordTTL < ttl {
			ttl = recordTTL
		}
	}
	return ttl
}
