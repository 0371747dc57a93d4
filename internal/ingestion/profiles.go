package ingestion

import "github.com/civicwire/civicwire/internal/models"

// CivicPlusSelectors match the calendar list view of CivicPlus municipal sites.
var CivicPlusSelectors = models.Selectors{
	Item:        ".calendars .calendar ol li, #CID_Calendar ol li",
	Title:       "h3 a, h3 span",
	Date:        ".subHeader .date, .date",
	Location:    ".subHeader .eventLocation .name, .eventLocation",
	Link:        "h3 a",
	Description: ".calendarDescription, p",
	Detail: &models.DetailSelectors{
		Location:    ".specificDetailItem .address, .eventLocation",
		Description: "[itemprop=description], .detailDescription",
	},
}

// GranicusSelectors match the meeting listing table of Granicus ViewPublisher pages.
var GranicusSelectors = models.Selectors{
	Item:  "table.listingTable tr.listingRow",
	Title: "td.listItem:first-child",
	Date:  "td.listItem:nth-child(2)",
	Link:  "td.listItem a[href*='AgendaViewer'], td.listItem a[href*='MediaPlayer'], a[href]",
}
