package protocol

// Response is a complete server response frame.
type Response struct {
	CorrelationID int32
	Body          ResponseBody
}

func (r *Response) Encode(e PacketEncoder) (err error) {
	e.Push(&SizeField{})
	e.PutInt32(r.CorrelationID)
	if FlexibleResponseHeader(r.Body.Key(), r.Body.Version()) {
		e.PutEmptyTaggedFieldArray()
	}
	if err = r.Body.Encode(e); err != nil {
		return err
	}
	return e.Pop()
}

// ResponseHeader is the correlation prefix clients read back.
type ResponseHeader struct {
	Size          int32
	CorrelationID int32
}

// Decode reads the correlation id; the caller strips the size field while
// framing. Flexible response headers are handled by the caller since header
// version depends on the request that was sent.
func (h *ResponseHeader) Decode(d PacketDecoder) (err error) {
	h.CorrelationID, err = d.Int32()
	return err
}
