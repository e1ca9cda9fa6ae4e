package portal

import (
	"fmt"
	"time"

	"github.com/Haskz13/canpublicsectorbidscraper/internal/model"
)

const (
	frequentCadence = 15 * time.Minute
	hourlyCadence   = time.Hour
	dailyCadence    = 24 * time.Hour
)

// cells builds selectors for result tables whose columns are, in order,
// the given fields. A zero column index means the portal has no such column.
func cells(table string, id, title, org, posted, closing int) model.Selectors {
	col := func(n int) string {
		if n == 0 {
			return ""
		}
		return fmt.Sprintf("td:nth-child(%d)", n)
	}
	return model.Selectors{
		Row:          table + " tr:has(td)",
		ExternalID:   col(id),
		Title:        col(title),
		Organization: col(org),
		Posted:       col(posted),
		Closing:      col(closing),
		Link:         col(title) + " a",
	}
}

func bidsAndTenders(city string) model.Selectors {
	s := cells("table.tender-list", 1, 2, 0, 3, 4)
	s.Row = "tr.tender-row"
	s.PageURL = "https://" + city + ".bidsandtenders.ca/Module/Tenders/en?search=training&page=%d"
	s.Attachment = "a.document-link"
	return s
}

func biddingo(org string) model.Selectors {
	return model.Selectors{
		Row:          "div.opportunity",
		ExternalID:   "span.bid-number",
		Title:        "a.opportunity-title",
		Organization: "span.organization",
		Closing:      "span.closing-date",
		Posted:       "span.issue-date",
		Link:         "a.opportunity-title",
		PageURL:      "https://www.biddingo.com/" + org + "/search?keyword=training&page=%d",
	}
}

func seao(org string) model.Selectors {
	q := "training"
	if org != "" {
		q = "formation&organisme=" + org
	}
	return model.Selectors{
		Row:          "div.opportunity-item",
		ExternalID:   "span.numero",
		Title:        "h3 a",
		Organization: "span.organisme",
		Posted:       "span.date-publication",
		Closing:      "span.date-fermeture",
		Categories:   "span.categorie",
		Link:         "h3 a",
		PageURL:      "https://www.seao.ca/Recherche/rechercheAvancee.aspx?q=" + q + "&page=%d",
	}
}

// Default returns the built-in catalogue of Canadian procurement portals.
func Default() []model.PortalDescriptor {
	return []model.PortalDescriptor{
		{
			ID:       "canadabuys",
			Name:     "CanadaBuys",
			Kind:     model.AdapterCSVFeed,
			BaseURL:  "https://canadabuys.canada.ca",
			ListURL:  "https://canadabuys.canada.ca/en/tender-opportunities/csv",
			Cadence:  frequentCadence,
			Enabled:  true,
			Location: "Canada",
			// The open-data export; selectors name its columns.
			Selectors: model.Selectors{
				ExternalID:   "reference_number,solicitation_number",
				Title:        "title_en,title",
				Organization: "org_name_en,department_en",
				Value:        "contract_value,estimated_value",
				Posted:       "publication_date,date_posted",
				Closing:      "date_closing,closing_date",
				Description:  "description_en,description",
				Location:     "delivery_region_en,region",
				Categories:   "gsin_description_en,unspsc_description_en",
				Contact:      "contact_email,contact_info_email",
				Link:         "https://canadabuys.canada.ca/en/tender-opportunities/%s",
			},
		},
		{
			ID:       "merx",
			Name:     "MERX",
			Kind:     model.AdapterPaginatedSearch,
			BaseURL:  "https://www.merx.com",
			Cadence:  frequentCadence,
			Enabled:  true,
			Location: "Canada",
			Selectors: model.Selectors{
				Row:          "div.mets-table-row",
				ExternalID:   "span.solicitation-number",
				Title:        "span.rowTitle",
				Organization: "span.buyer-name",
				Posted:       "span.publicationDate",
				Closing:      "span.closingDate",
				Location:     "span.location",
				Link:         "a.mets-table-row-link",
				PageURL:      "https://www.merx.com/public/solicitations/open?keywords=training&pageNumber=%d",
			},
		},
		{
			ID:       "bcbid",
			Name:     "BC Bid",
			Kind:     model.AdapterPaginatedSearch,
			BaseURL:  "https://www.bcbid.gov.bc.ca",
			Cadence:  frequentCadence,
			Enabled:  true,
			Location: "British Columbia",
			Selectors: func() model.Selectors {
				s := cells("table#body_x_grid_grd", 1, 3, 4, 5, 6)
				s.PageURL = "https://www.bcbid.gov.bc.ca/page.aspx/en/rfp/request_browse_public?keyword=training&page=%d"
				return s
			}(),
		},
		{
			ID:        "seao",
			Name:      "SEAO Quebec",
			Kind:      model.AdapterPaginatedSearch,
			BaseURL:   "https://www.seao.ca",
			Cadence:   frequentCadence,
			Enabled:   true,
			Location:  "Quebec",
			Selectors: seao(""),
		},
		{
			ID:           "montreal",
			Name:         "City of Montreal",
			Kind:         model.AdapterPaginatedSearch,
			BaseURL:      "https://www.seao.ca",
			Cadence:      hourlyCadence,
			Enabled:      true,
			Location:     "Montreal",
			Organization: "City of Montreal",
			Selectors:    seao("montreal"),
		},
		{
			ID:           "quebec_city",
			Name:         "Quebec City",
			Kind:         model.AdapterPaginatedSearch,
			BaseURL:      "https://www.seao.ca",
			Cadence:      hourlyCadence,
			Enabled:      true,
			Location:     "Quebec City",
			Organization: "Quebec City",
			Selectors:    seao("ville-quebec"),
		},
		{
			ID:       "ontario",
			Name:     "Ontario Tenders Portal",
			Kind:     model.AdapterPaginatedSearch,
			BaseURL:  "https://ontariotenders.ca",
			Cadence:  frequentCadence,
			Enabled:  true,
			Location: "Ontario",
			Selectors: model.Selectors{
				Row:          "div.tender-item",
				ExternalAttr: "data-id",
				Title:        "h3.tender-title",
				Organization: "div.org-name",
				Value:        "span.value",
				Posted:       "span.posted-date",
				Closing:      "span.closing-date",
				Description:  "p.description",
				Link:         "a",
				PageURL:      "https://ontariotenders.ca/page/public/buyer?searchKeyword=training&page=%d",
			},
		},
		{
			ID:        "albertapurchasing",
			Name:      "Alberta Purchasing Connection",
			Kind:      model.AdapterStaticList,
			BaseURL:   "https://vendor.purchasingconnection.ca",
			ListURL:   "https://vendor.purchasingconnection.ca/Search.aspx?keyword=training+professional+development",
			Cadence:   hourlyCadence,
			Enabled:   true,
			Location:  "Alberta",
			Selectors: cells("table#ContentPlaceHolder1_GridView1", 1, 2, 3, 4, 5),
		},
		{
			ID:           "sasktenders",
			Name:         "SaskTenders",
			Kind:         model.AdapterStaticList,
			BaseURL:      "https://sasktenders.ca",
			ListURL:      "https://sasktenders.ca/content/public/Search.aspx?keyword=training",
			Cadence:      hourlyCadence,
			Enabled:      true,
			Location:     "Saskatchewan",
			Organization: "Saskatchewan Government",
			Selectors: model.Selectors{
				Row:          "div.tender-result",
				ExternalAttr: "data-tender-id",
				Title:        "h3",
				Organization: "span.org",
				Closing:      "span.closing",
				Link:         "a",
			},
		},
		{
			ID:           "saskatoon",
			Name:         "City of Saskatoon",
			Kind:         model.AdapterStaticList,
			BaseURL:      "https://sasktenders.ca",
			ListURL:      "https://sasktenders.ca/content/public/Search.aspx?keyword=training&org=saskatoon",
			Cadence:      dailyCadence,
			Enabled:      true,
			Location:     "Saskatoon",
			Organization: "City of Saskatoon",
			Selectors: model.Selectors{
				Row:          "div.tender-result",
				ExternalAttr: "data-tender-id",
				Title:        "h3",
				Organization: "span.org",
				Closing:      "span.closing",
				Link:         "a",
			},
		},
		{
			ID:           "manitoba",
			Name:         "Manitoba Tenders",
			Kind:         model.AdapterFileIndex,
			BaseURL:      "https://www.gov.mb.ca",
			ListURL:      "https://www.gov.mb.ca/tenders/",
			Cadence:      hourlyCadence,
			Enabled:      true,
			Location:     "Manitoba",
			Organization: "Manitoba Government",
			Selectors: model.Selectors{
				Row:               "a[href*='/tenders/tender_']",
				DetailDescription: "div#main-content",
				DetailContact:     "div.contact",
				Attachment:        "a[href$='.pdf'], a[href$='.zip']",
			},
		},
		{
			ID:        "ns",
			Name:      "Nova Scotia Tenders",
			Kind:      model.AdapterStaticList,
			BaseURL:   "https://novascotia.ca",
			ListURL:   "https://novascotia.ca/tenders/tenders/tender-search.aspx?keywords=training",
			Cadence:   hourlyCadence,
			Enabled:   true,
			Location:  "Nova Scotia",
			Selectors: cells("table#ctl00_ContentPlaceHolder1_gvTenders", 1, 2, 3, 0, 4),
		},
		{
			ID:           "halifax",
			Name:         "Halifax Regional Municipality",
			Kind:         model.AdapterStaticList,
			BaseURL:      "https://procurement.novascotia.ca",
			ListURL:      "https://procurement.novascotia.ca/ns-tenders.aspx?entity=halifax",
			Cadence:      dailyCadence,
			Enabled:      true,
			Location:     "Halifax",
			Organization: "Halifax Regional Municipality",
			Selectors:    cells("table.tenders", 1, 2, 0, 3, 4),
		},
		{
			ID:           "ottawa",
			Name:         "City of Ottawa",
			Kind:         model.AdapterPaginatedSearch,
			BaseURL:      "https://ottawa.bidsandtenders.ca",
			Cadence:      hourlyCadence,
			Enabled:      true,
			Location:     "Ottawa",
			Organization: "City of Ottawa",
			Selectors:    bidsAndTenders("ottawa"),
		},
		{
			ID:           "edmonton",
			Name:         "City of Edmonton",
			Kind:         model.AdapterPaginatedSearch,
			BaseURL:      "https://edmonton.bidsandtenders.ca",
			Cadence:      hourlyCadence,
			Enabled:      true,
			Location:     "Edmonton",
			Organization: "City of Edmonton",
			Selectors:    bidsAndTenders("edmonton"),
		},
		{
			ID:           "winnipeg",
			Name:         "City of Winnipeg",
			Kind:         model.AdapterStaticList,
			BaseURL:      "https://winnipeg.ca",
			ListURL:      "https://winnipeg.ca/matmgt/bidopp.asp",
			Cadence:      dailyCadence,
			Enabled:      true,
			Location:     "Winnipeg",
			Organization: "City of Winnipeg",
			Selectors:    cells("table.bidopp", 1, 2, 0, 0, 3),
		},
		{
			ID:           "toronto",
			Name:         "City of Toronto",
			Kind:         model.AdapterAuthenticated,
			AuthRequired: true,
			BaseURL:      "https://service.ariba.com",
			ListURL:      "https://service.ariba.com/Discovery.aw/ad/profile?key=AN01050912625",
			Cadence:      frequentCadence,
			Enabled:      true,
			Location:     "Toronto",
			Organization: "City of Toronto",
			Selectors: model.Selectors{
				Row:               "div.ADTableBodyWhite, div.ADHiliteBlock",
				Title:             "a.QuoteSearchResultTitle",
				Closing:           "span.paddingRight5",
				Link:              "a.QuoteSearchResultTitle",
				DetailDescription: "div.description",
				Attachment:        "a.adsmallbutton.adbuttonblock",
				LoginURL:          "https://service.ariba.com/Supplier.aw",
				UsernameField:     "input[name='UserName']",
				PasswordField:     "input[name='Password']",
				SubmitButton:      "input[type='submit'], button[type='submit']",
				LoggedInMark:      ".sap-icon--log",
			},
		},
		{
			ID:           "london",
			Name:         "City of London",
			Kind:         model.AdapterPaginatedSearch,
			BaseURL:      "https://www.biddingo.com",
			Cadence:      dailyCadence,
			Enabled:      true,
			Location:     "London",
			Organization: "City of London",
			Selectors:    biddingo("london"),
		},
		{
			ID:           "hamilton",
			Name:         "City of Hamilton",
			Kind:         model.AdapterPaginatedSearch,
			BaseURL:      "https://www.biddingo.com",
			Cadence:      dailyCadence,
			Enabled:      true,
			Location:     "Hamilton",
			Organization: "City of Hamilton",
			Selectors:    biddingo("hamilton"),
		},
		{
			ID:           "kitchener",
			Name:         "City of Kitchener",
			Kind:         model.AdapterPaginatedSearch,
			BaseURL:      "https://www.biddingo.com",
			Cadence:      dailyCadence,
			Enabled:      true,
			Location:     "Kitchener",
			Organization: "City of Kitchener",
			Selectors:    biddingo("kitchener"),
		},
		{
			ID:       "nbon",
			Name:     "New Brunswick Opportunities Network",
			Kind:     model.AdapterStaticList,
			BaseURL:  "https://nbon.gnb.ca",
			ListURL:  "https://nbon.gnb.ca/content/nbon/en/opportunities.html",
			Cadence:  hourlyCadence,
			Enabled:  true,
			Location: "New Brunswick",
			Selectors: model.Selectors{
				Row:          "div.opportunity",
				ExternalID:   "span.opp-number",
				Title:        "h3",
				Organization: "span.department",
				Closing:      "span.closing-date",
				Link:         "a",
			},
		},
		{
			ID:           "pei",
			Name:         "PEI Tenders",
			Kind:         model.AdapterFileIndex,
			BaseURL:      "https://www.princeedwardisland.ca",
			ListURL:      "https://www.princeedwardisland.ca/en/search/site?f%5B0%5D=type%3Atender",
			Cadence:      dailyCadence,
			Enabled:      true,
			Location:     "Prince Edward Island",
			Organization: "Government of PEI",
			Selectors: model.Selectors{
				Row:               "li.search-result",
				Title:             "h3.title",
				Link:              "h3.title a",
				DetailDescription: "div.field-name-body",
				DetailContact:     "div.field-name-field-contact",
				Attachment:        "span.file a",
			},
		},
		{
			ID:       "nl",
			Name:     "Newfoundland Procurement",
			Kind:     model.AdapterStaticList,
			BaseURL:  "https://www.gov.nl.ca",
			ListURL:  "https://www.gov.nl.ca/tenders/commodity-search/?commodity=training",
			Cadence:  dailyCadence,
			Enabled:  true,
			Location: "Newfoundland and Labrador",
			Selectors: model.Selectors{
				Row:          "div.tender-item",
				ExternalID:   "span.tender-number",
				Title:        "h4",
				Organization: "span.department",
				Closing:      "span.closing",
				Link:         "a",
			},
		},
		{
			ID:       "buybc",
			Name:     "Buy BC Health",
			Kind:     model.AdapterStaticList,
			BaseURL:  "https://www.bchealth.ca",
			ListURL:  "https://www.bchealth.ca/tenders",
			Cadence:  dailyCadence,
			Enabled:  false,
			Location: "British Columbia",
			Selectors: model.Selectors{
				Row:          "div.tender-card",
				Title:        "h3",
				Organization: "span.health-authority",
				Closing:      "span.closing-date",
				Link:         "a",
			},
		},
	}
}
