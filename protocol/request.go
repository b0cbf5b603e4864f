package protocol

// RequestHeader precedes every request body on the wire.
type RequestHeader struct {
	// Size of the frame, not including this field.
	Size          int32
	APIKey        int16
	APIVersion    int16
	CorrelationID int32
	ClientID      string
}

// Decode reads everything after the size field. Flexible request headers end
// with a tagged-field section, determined by (api key, api version).
func (h *RequestHeader) Decode(d PacketDecoder) (err error) {
	if h.APIKey, err = d.Int16(); err != nil {
		return err
	}
	if h.APIVersion, err = d.Int16(); err != nil {
		return err
	}
	if h.CorrelationID, err = d.Int32(); err != nil {
		return err
	}
	clientID, err := d.NullableString()
	if err != nil {
		return err
	}
	if clientID != nil {
		h.ClientID = *clientID
	}
	if FlexibleRequestHeader(h.APIKey, h.APIVersion) {
		return d.TaggedFields()
	}
	return nil
}

// Request is a complete client request frame.
type Request struct {
	CorrelationID int32
	ClientID      string
	Body          Body
}

func (r *Request) Encode(e PacketEncoder) (err error) {
	e.Push(&SizeField{})
	e.PutInt16(r.Body.Key())
	e.PutInt16(r.Body.Version())
	e.PutInt32(r.CorrelationID)
	if err = e.PutNullableString(&r.ClientID); err != nil {
		return err
	}
	if FlexibleRequestHeader(r.Body.Key(), r.Body.Version()) {
		e.PutEmptyTaggedFieldArray()
	}
	if err = r.Body.Encode(e); err != nil {
		return err
	}
	return e.Pop()
}
