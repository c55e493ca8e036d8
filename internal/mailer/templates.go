package mailer

import (
	"fmt"
	"html/template"
	"strings"

	"collecte/internal/rules"
)

// The reminder layouts follow the city portal's visual style: a light
// header card, an accented date block and a short checklist.

const reminderHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="UTF-8"><meta name="viewport" content="width=device-width, initial-scale=1.0"></head>
<body style="font-family: -apple-system, 'Helvetica Neue', Helvetica, Arial, sans-serif; background-color: #fbfbfd; margin: 0; padding: 20px;">
<div style="max-width: 480px; margin: 0 auto;">
  <div style="background: {{.HeaderBG}}; padding: 40px 24px 30px; text-align: center; border-radius: 20px 20px 0 0;">
    <h1 style="font-size: 28px; font-weight: 600; color: #1d1d1f; margin: 0 0 8px 0;">{{.Title}}</h1>
    <p style="font-size: 17px; color: #86868b; margin: 0;">{{.Zone}}</p>
  </div>
  <div style="background: #ffffff; border-radius: 0 0 20px 20px; padding: 32px; border: 1px solid rgba(0,0,0,0.08); border-top: none;">
    <div style="background: {{.AccentBG}}; border-radius: 12px; padding: 20px; text-align: center; margin-bottom: 24px;">
      <p style="font-size: 13px; font-weight: 600; color: {{.Accent}}; text-transform: uppercase; margin: 0 0 4px 0;">Collection Date</p>
      <p style="font-size: 21px; font-weight: 600; color: {{.Accent}}; margin: 0;">{{.Date}}</p>
    </div>
    <ul style="list-style: none; padding: 0; margin: 0;">
      {{range .Tips}}<li style="font-size: 15px; color: #86868b; line-height: 1.5; padding: 8px 0;">
        <span style="color: {{.Accent}}; margin-right: 12px;">&#10003;</span>{{.Text}}</li>
      {{end}}
    </ul>
  </div>
  <div style="text-align: center; padding: 24px 0; color: #86868b; font-size: 13px;">
    <p style="margin: 0 0 8px 0;">Quebec City Alerts</p>
    {{if .UnsubscribeURL}}<a href="{{.UnsubscribeURL}}" style="color: #0071e3; text-decoration: none;">Unsubscribe from alerts</a>{{end}}
  </div>
</div>
</body>
</html>`

const welcomeHTML = `<!DOCTYPE html>
<html lang="en">
<body style="font-family: -apple-system, 'Helvetica Neue', Helvetica, Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <h2 style="color: #1976d2;">Subscription Confirmed</h2>
  <p>You are now subscribed to collection reminders and snow removal alerts.</p>
  <p><strong>Postal Code:</strong> {{.Zone}}</p>
  <p>Reminders arrive the evening before each pickup. Snow alerts are sent
  only when an operation is active near your address.</p>
  <hr>
  <p style="color: #666; font-size: 12px;">Quebec City Alerts{{if .UnsubscribeURL}}<br>
  <a href="{{.UnsubscribeURL}}">Unsubscribe</a>{{end}}</p>
</body>
</html>`

const snowHTML = `<!DOCTYPE html>
<html lang="en">
<body style="font-family: -apple-system, 'Helvetica Neue', Helvetica, Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <h2 style="color: #d32f2f;">Snow Removal Alert</h2>
  <p>A snow removal operation is in progress near your location:</p>
  <p><strong>Postal Code:</strong> {{.Zone}}</p>
  <h3>Affected Streets:</h3>
  <ul>{{range .Streets}}<li>{{.}}</li>{{end}}</ul>
  <p style="background-color: #ffebee; padding: 15px; border-radius: 5px;">
    <strong>Parking is PROHIBITED on these streets.</strong><br>
    Please move your vehicle to avoid a ticket or towing.
  </p>
  <hr>
  <p style="color: #666; font-size: 12px;">Quebec City Alerts{{if .UnsubscribeURL}}<br>
  <a href="{{.UnsubscribeURL}}">Unsubscribe</a>{{end}}</p>
</body>
</html>`

const goodbyeHTML = `<!DOCTYPE html>
<html lang="en">
<body style="font-family: -apple-system, 'Helvetica Neue', Helvetica, Arial, sans-serif; max-width: 600px; margin: 0 auto; padding: 20px;">
  <h2>Unsubscribed</h2>
  <p>You will no longer receive collection reminders or snow alerts.
  You can sign up again any time.</p>
  <hr>
  <p style="color: #666; font-size: 12px;">Quebec City Alerts</p>
</body>
</html>`

var (
	tmplReminder = template.Must(template.New("reminder").Parse(reminderHTML))
	tmplWelcome  = template.Must(template.New("welcome").Parse(welcomeHTML))
	tmplSnow     = template.Must(template.New("snow").Parse(snowHTML))
	tmplGoodbye  = template.Must(template.New("goodbye").Parse(goodbyeHTML))
)

type reminderTip struct {
	Accent template.CSS
	Text   string
}

type reminderData struct {
	Title          string
	Zone           string
	Date           string
	HeaderBG       template.CSS
	AccentBG       template.CSS
	Accent         template.CSS
	Tips           []reminderTip
	UnsubscribeURL string
}

func renderReminder(occ rules.Occurrence, unsubURL string) (subject, html string, err error) {
	data := reminderData{
		Zone:           occ.Zone,
		Date:           occ.Date.Format("Monday, January 2, 2006"),
		UnsubscribeURL: unsubURL,
	}
	var tips []string
	switch occ.Event {
	case rules.EventGarbage:
		data.Title = "Garbage Pickup Tomorrow"
		data.HeaderBG = "linear-gradient(180deg, #e8f4e8 0%, #fbfbfd 100%)"
		data.AccentBG = "rgba(52, 199, 89, 0.1)"
		data.Accent = "#248a3d"
		tips = []string{
			"Place your garbage bins at the curb by 7:00 AM",
			"Ensure bags are properly sealed",
			"Bins should be accessible from the street",
		}
		subject = fmt.Sprintf("Garbage pickup tomorrow - %s", occ.Date.Format("January 2"))
	case rules.EventRecycling:
		data.Title = "Recycling Pickup Tomorrow"
		data.HeaderBG = "linear-gradient(180deg, #e8f4fd 0%, #fbfbfd 100%)"
		data.AccentBG = "rgba(0, 113, 227, 0.1)"
		data.Accent = "#0058b0"
		tips = []string{
			"Place your recycling bin at the curb by 7:00 AM",
			"Rinse containers and flatten cardboard",
			"No plastic bags in recycling bin",
		}
		subject = fmt.Sprintf("Recycling pickup tomorrow - %s", occ.Date.Format("January 2"))
	default:
		return "", "", fmt.Errorf("mailer: no reminder template for event %q", occ.Event)
	}
	for _, t := range tips {
		data.Tips = append(data.Tips, reminderTip{Accent: data.Accent, Text: t})
	}
	var b strings.Builder
	if err := tmplReminder.Execute(&b, data); err != nil {
		return "", "", err
	}
	return subject, b.String(), nil
}

func renderWelcome(zone, unsubURL string) (subject, html string, err error) {
	var b strings.Builder
	err = tmplWelcome.Execute(&b, struct {
		Zone           string
		UnsubscribeURL string
	}{zone, unsubURL})
	if err != nil {
		return "", "", err
	}
	return fmt.Sprintf("Subscription confirmed - %s", zone), b.String(), nil
}

func renderSnowAlert(zone string, streets []string, unsubURL string) (subject, html string, err error) {
	var b strings.Builder
	err = tmplSnow.Execute(&b, struct {
		Zone           string
		Streets        []string
		UnsubscribeURL string
	}{zone, streets, unsubURL})
	if err != nil {
		return "", "", err
	}
	return fmt.Sprintf("Snow removal alert - %s", zone), b.String(), nil
}

func renderGoodbye() (subject, html string, err error) {
	var b strings.Builder
	if err := tmplGoodbye.Execute(&b, struct{}{}); err != nil {
		return "", "", err
	}
	return "You have been unsubscribed", b.String(), nil
}
