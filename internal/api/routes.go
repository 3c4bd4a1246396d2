package api

import (
	"github.com/nghyane/llm-failover/internal/provider"
)

func (s *Server) setupRoutes() {
	s.engine.GET("/healthz", s.handleHealth)
	s.engine.POST("/webhook", s.handleWebhook)

	v1 := s.engine.Group("/v1")
	{
		v1.POST("/text", handleCall(s, provider.ModalityText, decodeText, s.router.CallText))
		v1.POST("/image", handleCall(s, provider.ModalityImage, decodeImage, s.router.CallImage))
		v1.POST("/tts", handleCall(s, provider.ModalityTTS, decodeSpeech, s.router.CallTTS))
		v1.POST("/stt", handleCall(s, provider.ModalitySTT, decodeTranscription, s.router.CallSTT))
		v1.POST("/agent", handleCall(s, provider.ModalityAgent, decodeAgent, s.router.CallAgent))

		v1.GET("/tasks/:id", s.handleGetTask)
		v1.GET("/tasks/:id/watch", s.handleWatchTask)
		v1.GET("/status", s.handleStatus)
	}
}
