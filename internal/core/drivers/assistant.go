package drivers

import (
	"github.com/carabina/PeerConnectivity/internal/core/ports"
	"github.com/carabina/PeerConnectivity/pkg/observable"
)

// BrowserAssistantEvent is one lifecycle occurrence of the UI-assisted
// browser.
type BrowserAssistantEvent interface{ browserAssistantEvent() }

type BrowserAssistantFinished struct{}
type BrowserAssistantCancelled struct{}

func (BrowserAssistantFinished) browserAssistantEvent()  {}
func (BrowserAssistantCancelled) browserAssistantEvent() {}

// AdvertiserAssistantEvent is one lifecycle occurrence of the UI-assisted
// advertiser.
type AdvertiserAssistantEvent interface{ advertiserAssistantEvent() }

type AdvertiserAssistantWillPresent struct{}
type AdvertiserAssistantDidDismiss struct{}

func (AdvertiserAssistantWillPresent) advertiserAssistantEvent() {}
func (AdvertiserAssistantDidDismiss) advertiserAssistantEvent()  {}

type BrowserAssistantEventProducer struct {
	observer *observable.Observable[BrowserAssistantEvent]
}

func NewBrowserAssistantEventProducer(observer *observable.Observable[BrowserAssistantEvent]) *BrowserAssistantEventProducer {
	return &BrowserAssistantEventProducer{observer: observer}
}

func (p *BrowserAssistantEventProducer) DidFinish() {
	p.observer.Set(BrowserAssistantFinished{})
}

func (p *BrowserAssistantEventProducer) WasCancelled() {
	p.observer.Set(BrowserAssistantCancelled{})
}

type AdvertiserAssistantEventProducer struct {
	observer *observable.Observable[AdvertiserAssistantEvent]
}

func NewAdvertiserAssistantEventProducer(observer *observable.Observable[AdvertiserAssistantEvent]) *AdvertiserAssistantEventProducer {
	return &AdvertiserAssistantEventProducer{observer: observer}
}

func (p *AdvertiserAssistantEventProducer) WillPresentInvitation() {
	p.observer.Set(AdvertiserAssistantWillPresent{})
}

func (p *AdvertiserAssistantEventProducer) DidDismissInvitation() {
	p.observer.Set(AdvertiserAssistantDidDismiss{})
}

// BrowserAssistant drives the UI-assisted browser.
type BrowserAssistant struct {
	assistant ports.BrowserAssistant
	producer  *BrowserAssistantEventProducer
	running   bool
}

func NewBrowserAssistant(transport ports.Transport, session *Session, serviceType string, producer *BrowserAssistantEventProducer) *BrowserAssistant {
	return &BrowserAssistant{
		assistant: transport.NewBrowserAssistant(serviceType, session.Session()),
		producer:  producer,
	}
}

func (b *BrowserAssistant) StartBrowsingAssistant() {
	b.assistant.SetDelegate(b.producer)
	b.assistant.Start()
	b.running = true
}

func (b *BrowserAssistant) StopBrowsingAssistant() {
	b.assistant.SetDelegate(nil)
	b.assistant.Stop()
	b.running = false
}

func (b *BrowserAssistant) Running() bool {
	return b.running
}

func (b *BrowserAssistant) PresentationHandle() any {
	return b.assistant.PresentationHandle()
}

// AdvertiserAssistant drives the UI-assisted advertiser.
type AdvertiserAssistant struct {
	assistant ports.AdvertiserAssistant
	producer  *AdvertiserAssistantEventProducer
	running   bool
}

func NewAdvertiserAssistant(transport ports.Transport, session *Session, serviceType string, info map[string]string, producer *AdvertiserAssistantEventProducer) *AdvertiserAssistant {
	return &AdvertiserAssistant{
		assistant: transport.NewAdvertiserAssistant(serviceType, info, session.Session()),
		producer:  producer,
	}
}

func (a *AdvertiserAssistant) StartAdvertisingAssistant() {
	a.assistant.SetDelegate(a.producer)
	a.assistant.Start()
	a.running = true
}

func (a *AdvertiserAssistant) StopAdvertisingAssistant() {
	a.assistant.SetDelegate(nil)
	a.assistant.Stop()
	a.running = false
}

func (a *AdvertiserAssistant) Running() bool {
	return a.running
}
