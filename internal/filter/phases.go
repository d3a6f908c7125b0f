package filter

type phase int

const (
	PhaseUnknown phase = iota
	PhaseRequestHeader
	PhaseRequestBody
	PhaseRequestTrailer
)

func (p phase) String() string {
	switch p {
	case PhaseRequestHeader:
		return "request_header"
	case PhaseRequestBody:
		return "request_body"
	case PhaseRequestTrailer:
		return "request_trailer"
	default:
		return "unknown"
	}
}
