package metadata

import "github.com/ThreeDotsLabs/watermill/message"

// ToWatermill copies metadata into a fresh Watermill map so publishers can
// mutate it without touching the caller's copy.
func ToWatermill(md Metadata) message.Metadata {
	wm := make(message.Metadata, len(md))
	for k, v := range md {
		wm[k] = v
	}
	return wm
}

// ReplyTopic returns the topic the results of a message go to: its reply-to
// header when present, fallback otherwise.
func ReplyTopic(md message.Metadata, fallback string) string {
	if topic := md.Get(KeyReplyTo); topic != "" {
		return topic
	}
	return fallback
}

// ReplyHeaders returns the headers of a result collection answering a message
// with headers md. Only the correlation id is carried over; request headers
// such as reply-to and destination never leak into the reply.
func ReplyHeaders(md message.Metadata, requestType string) message.Metadata {
	reply := message.Metadata{KeyRequestType: requestType}
	if id := md.Get(KeyCorrelationID); id != "" {
		reply[KeyCorrelationID] = id
	}
	return reply
}
