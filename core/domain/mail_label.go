package domain

// LabelColor is the provider's label color pair.
type LabelColor struct {
	TextColor       string
	BackgroundColor string
}

// Named colors supported when creating labels.
var LabelColors = map[string]LabelColor{
	"red":    {TextColor: "#ffffff", BackgroundColor: "#db4437"},
	"blue":   {TextColor: "#ffffff", BackgroundColor: "#4285f4"},
	"green":  {TextColor: "#ffffff", BackgroundColor: "#0f9d58"},
	"yellow": {TextColor: "#000000", BackgroundColor: "#f4b400"},
}

// Label is a provider-side tag applied to messages.
type Label struct {
	ID   string
	Name string
	Type string // system, user
}
