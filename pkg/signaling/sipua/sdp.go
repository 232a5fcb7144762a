package sipua

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/pion/sdp/v3"
)

var errNoCommonCodec = errors.New("нет общего аудио кодека")

// codec аудио кодек, который софтфон объявляет в SDP
type codec struct {
	payloadType uint8
	name        string
	clockRate   int
}

// supportedCodecs в порядке предпочтения
var supportedCodecs = []codec{
	{payloadType: 0, name: "PCMU", clockRate: 8000},
	{payloadType: 8, name: "PCMA", clockRate: 8000},
}

const (
	dtmfPayloadType = 101
	dtmfEncoding    = "telephone-event"
)

func findCodec(pt uint8) (codec, bool) {
	for _, c := range supportedCodecs {
		if c.payloadType == pt {
			return c, true
		}
	}
	return codec{}, false
}

// newDescription создает базовую SDP структуру без медиа
func newDescription(host string) *sdp.SessionDescription {
	now := uint64(time.Now().Unix())
	return &sdp.SessionDescription{
		Version: 0,
		Origin: sdp.Origin{
			Username:       "-",
			SessionID:      now,
			SessionVersion: now,
			NetworkType:    "IN",
			AddressType:    "IP4",
			UnicastAddress: host,
		},
		SessionName: "SoftPhone",
		ConnectionInformation: &sdp.ConnectionInformation{
			NetworkType: "IN",
			AddressType: "IP4",
			Address:     &sdp.Address{Address: host},
		},
		TimeDescriptions: []sdp.TimeDescription{
			{Timing: sdp.Timing{StartTime: 0, StopTime: 0}},
		},
	}
}

// audioMedia создает m=audio с указанными кодеками и DTMF
func audioMedia(port int, codecs []codec, dtmfPT int) *sdp.MediaDescription {
	md := &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:  "audio",
			Port:   sdp.RangedPort{Value: port},
			Protos: []string{"RTP", "AVP"},
		},
	}
	for _, c := range codecs {
		md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(int(c.payloadType)))
		md.Attributes = append(md.Attributes,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/%d", c.payloadType, c.name, c.clockRate)))
	}
	if dtmfPT >= 0 {
		md.MediaName.Formats = append(md.MediaName.Formats, strconv.Itoa(dtmfPT))
		md.Attributes = append(md.Attributes,
			sdp.NewAttribute("rtpmap", fmt.Sprintf("%d %s/8000", dtmfPT, dtmfEncoding)),
			sdp.NewAttribute("fmtp", fmt.Sprintf("%d 0-15", dtmfPT)))
	}
	md.Attributes = append(md.Attributes,
		sdp.NewAttribute("ptime", "20"),
		sdp.NewPropertyAttribute("sendrecv"))
	return md
}

// buildOffer формирует SDP offer: только аудио, PCMU/PCMA и telephone-event
func buildOffer(host string, port int) ([]byte, error) {
	desc := newDescription(host)
	desc.MediaDescriptions = []*sdp.MediaDescription{audioMedia(port, supportedCodecs, dtmfPayloadType)}
	return desc.Marshal()
}

// buildAnswer формирует SDP answer на offer. Принимается первый аудио поток,
// остальные потоки отклоняются нулевым портом. Пустой offer означает
// поздний обмен: в ответ уходит собственный offer.
func buildAnswer(offer []byte, host string, port int) ([]byte, error) {
	if len(strings.TrimSpace(string(offer))) == 0 {
		return buildOffer(host, port)
	}

	var remote sdp.SessionDescription
	if err := remote.Unmarshal(offer); err != nil {
		return nil, fmt.Errorf("некорректный SDP offer: %w", err)
	}

	desc := newDescription(host)
	accepted := false
	for _, md := range remote.MediaDescriptions {
		if !accepted && md.MediaName.Media == "audio" && md.MediaName.Port.Value != 0 {
			if c, ok := pickCodec(md); ok {
				desc.MediaDescriptions = append(desc.MediaDescriptions, audioMedia(port, []codec{c}, findDTMF(md)))
				accepted = true
				continue
			}
		}
		desc.MediaDescriptions = append(desc.MediaDescriptions, rejectedMedia(md))
	}
	if !accepted {
		return nil, errNoCommonCodec
	}
	return desc.Marshal()
}

// pickCodec выбирает первый поддерживаемый кодек в порядке предложения
func pickCodec(md *sdp.MediaDescription) (codec, bool) {
	for _, f := range md.MediaName.Formats {
		pt, err := strconv.Atoi(f)
		if err != nil || pt < 0 || pt > 127 {
			continue
		}
		if c, ok := findCodec(uint8(pt)); ok {
			return c, true
		}
	}
	return codec{}, false
}

// findDTMF возвращает payload type telephone-event из offer или -1
func findDTMF(md *sdp.MediaDescription) int {
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		fields := strings.Fields(a.Value)
		if len(fields) != 2 || !strings.HasPrefix(strings.ToLower(fields[1]), dtmfEncoding+"/") {
			continue
		}
		if pt, err := strconv.Atoi(fields[0]); err == nil {
			return pt
		}
	}
	return -1
}

func rejectedMedia(md *sdp.MediaDescription) *sdp.MediaDescription {
	return &sdp.MediaDescription{
		MediaName: sdp.MediaName{
			Media:   md.MediaName.Media,
			Port:    sdp.RangedPort{Value: 0},
			Protos:  md.MediaName.Protos,
			Formats: md.MediaName.Formats,
		},
	}
}
