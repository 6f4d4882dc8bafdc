package handlers

import (
	"net/http"

	"github.com/BaSui01/llmlb/dispatch"
	"github.com/BaSui01/llmlb/types"
)

// Proxy exposes the OpenAI-protocol passthrough routes. Each route maps the
// request kind onto the capability the dispatcher filters candidates by.
type Proxy struct {
	dispatcher *dispatch.Dispatcher
}

// NewProxy builds the passthrough handler group.
func NewProxy(d *dispatch.Dispatcher) *Proxy {
	return &Proxy{dispatcher: d}
}

func (p *Proxy) ChatCompletions(w http.ResponseWriter, r *http.Request) {
	p.dispatcher.Forward(w, r, types.CapabilityChat)
}

func (p *Proxy) Completions(w http.ResponseWriter, r *http.Request) {
	p.dispatcher.Forward(w, r, types.CapabilityChat)
}

func (p *Proxy) Embeddings(w http.ResponseWriter, r *http.Request) {
	p.dispatcher.Forward(w, r, types.CapabilityEmbeddings)
}

func (p *Proxy) AudioTranscriptions(w http.ResponseWriter, r *http.Request) {
	p.dispatcher.Forward(w, r, types.CapabilityAudioTranscription)
}

func (p *Proxy) AudioSpeech(w http.ResponseWriter, r *http.Request) {
	p.dispatcher.Forward(w, r, types.CapabilityAudioSpeech)
}

func (p *Proxy) ImagesGenerations(w http.ResponseWriter, r *http.Request) {
	p.dispatcher.Forward(w, r, types.CapabilityImageGeneration)
}

func (p *Proxy) ImagesEdits(w http.ResponseWriter, r *http.Request) {
	p.dispatcher.Forward(w, r, types.CapabilityImageGeneration)
}

func (p *Proxy) ImagesVariations(w http.ResponseWriter, r *http.Request) {
	p.dispatcher.Forward(w, r, types.CapabilityImageGeneration)
}
