package template

// TicketConfirmation is the template rendered for new-ticket confirmations.
const TicketConfirmation = "ticket_confirmation"

// embedded holds the stock templates used when the templates directory does
// not override them.
var embedded = map[string]string{
	TicketConfirmation: `Dear {{ requester_name }},

Thank you for your request. We have created a ticket with the number {{ ticket_number }}.

Subject: {{ subject }}

Your message:
{{ body }}

Please refer to this ticket number in further communication,
by leaving #{{ ticket_number }} in the subject line.

With kind regards
Your {{ company_name }} Support Team
{{ company_domain }}`,
}
