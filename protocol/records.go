package protocol

// Records is a batch of byte slices. A framed message is a header record
// followed by body chunks, which maps directly onto net.Buffers.
type Records [][]byte

func (recs Records) TotalLen() (total int64) {
	for _, r := range recs {
		total += int64(len(r))
	}
	return
}

// Join flattens the batch into one slice.
func (recs Records) Join() []byte {
	ret := make([]byte, 0, recs.TotalLen())
	for _, r := range recs {
		ret = append(ret, r...)
	}
	return ret
}
