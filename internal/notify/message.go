package notify

import (
	"fmt"
	"strings"

	"github.com/rentradar/rentradar/internal/db"
	"github.com/rentradar/rentradar/internal/offer"
)

// MatchMessage is the channel-independent content of one match
// notification.
type MatchMessage struct {
	AlertName string
	Title     string
	Price     string
	Location  string
	Footage   string
	Rooms     string
	URL       string
	ImageURL  string
}

// BuildMatchMessage renders an alert/offer pair into notification content.
// Fields the offer lacks come out empty and the channels omit them.
func BuildMatchMessage(a *db.Alert, o *offer.Offer) *MatchMessage {
	msg := &MatchMessage{
		AlertName: a.Name,
		Title:     o.Title,
		Price:     fmt.Sprintf("%.0f zł", o.Price),
		URL:       o.URL,
	}

	var loc []string
	if o.District != "" {
		loc = append(loc, o.District)
	}
	if o.City != "" {
		loc = append(loc, o.City)
	}
	if o.Street != nil {
		loc = append([]string{"ul. " + *o.Street}, loc...)
	}
	msg.Location = strings.Join(loc, ", ")

	if o.Footage != nil {
		msg.Footage = fmt.Sprintf("%.0f m²", *o.Footage)
	}
	if o.Rooms != nil {
		if *o.Rooms == 1 {
			msg.Rooms = "kawalerka"
		} else {
			msg.Rooms = fmt.Sprintf("%d pokoje", *o.Rooms)
		}
	}
	if len(o.Images) > 0 {
		msg.ImageURL = o.Images[0]
	}
	return msg
}
