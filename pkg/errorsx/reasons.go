package errorsx

// ReasonCode is a short machine-readable error reason.
type ReasonCode string

const (
	ReasonUnknown ReasonCode = "unknown"

	ReasonSTTTranscribe  ReasonCode = "stt_transcribe"
	ReasonSTTEncode      ReasonCode = "stt_encode"
	ReasonSTTRateLimit   ReasonCode = "stt_rate_limit"
	ReasonSTTCircuitOpen ReasonCode = "stt_circuit_open"

	ReasonLLMGenerate    ReasonCode = "llm_generate"
	ReasonLLMEmpty       ReasonCode = "llm_empty"
	ReasonLLMRateLimit   ReasonCode = "llm_rate_limit"
	ReasonLLMCircuitOpen ReasonCode = "llm_circuit_open"

	ReasonTTSSynthesize  ReasonCode = "tts_synthesize"
	ReasonTTSDecode      ReasonCode = "tts_decode"
	ReasonTTSRateLimit   ReasonCode = "tts_rate_limit"
	ReasonTTSCircuitOpen ReasonCode = "tts_circuit_open"

	ReasonCodecPayload ReasonCode = "codec_payload"

	ReasonTransportInvalidSignature ReasonCode = "webhook_invalid_signature"
	ReasonTransportRead             ReasonCode = "transport_read"
	ReasonTransportProtocol         ReasonCode = "transport_protocol"
	ReasonTransportTimeout          ReasonCode = "transport_timeout"
	ReasonTransportSend             ReasonCode = "transport_send"

	ReasonWebhookSend   ReasonCode = "webhook_send"
	ReasonWebhookStatus ReasonCode = "webhook_status"
)
