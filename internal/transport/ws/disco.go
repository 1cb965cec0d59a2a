package ws

import (
	"encoding/xml"
	"slices"

	"go.uber.org/zap"

	"github.com/and161185/mam-keeper/internal/stanza"
)

// NSDiscoInfo is the service discovery information namespace.
const NSDiscoInfo = "http://jabber.org/protocol/disco#info"

type discoIdentity struct {
	Category string `xml:"category,attr"`
	Type     string `xml:"type,attr"`
}

type discoFeature struct {
	Var string `xml:"var,attr"`
}

type discoInfo struct {
	XMLName  xml.Name       `xml:"http://jabber.org/protocol/disco#info query"`
	Identity discoIdentity  `xml:"identity"`
	Features []discoFeature `xml:"feature"`
}

// Advertise adds features to the discovery response.
func (h *Hub) Advertise(features ...string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, f := range features {
		if !slices.Contains(h.features, f) {
			h.features = append(h.features, f)
		}
	}
}

func (h *Hub) discoInfo(iq *stanza.IQ) *stanza.IQ {
	if iq.Type != stanza.IQGet {
		return stanza.ErrorIQ(iq, stanza.ErrorTypeCancel, stanza.CondFeatureNotImplemented)
	}
	h.mu.RLock()
	features := append([]string{NSDiscoInfo}, h.features...)
	h.mu.RUnlock()
	slices.Sort(features)

	info := discoInfo{Identity: discoIdentity{Category: "server", Type: "im"}}
	for _, f := range features {
		info.Features = append(info.Features, discoFeature{Var: f})
	}
	payload, err := stanza.ElementOf(info)
	if err != nil {
		h.logger.Error("build discovery reply", zap.Error(err))
		return stanza.ErrorIQ(iq, stanza.ErrorTypeCancel, stanza.CondInternalServerError)
	}
	reply := stanza.ResultIQ(iq)
	reply.Payload = payload
	return reply
}
