package notification

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	orderdomain "github.com/smallbiznis/ticketstack/internal/order/domain"
	raffledomain "github.com/smallbiznis/ticketstack/internal/raffle/domain"
	userdomain "github.com/smallbiznis/ticketstack/internal/user/domain"
)

func raffleLink(frontendURL string, r *raffledomain.Raffle) string {
	return strings.TrimRight(frontendURL, "/") + "/raffles/" + r.ID.String()
}

func greeting(u *userdomain.User) string {
	if name := strings.TrimSpace(u.Username); name != "" {
		return "Hi " + name + ","
	}
	return "Hi,"
}

func ReceiptMessage(frontendURL string, u *userdomain.User, r *raffledomain.Raffle, o *orderdomain.Order, taxRate decimal.Decimal) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", greeting(u))
	fmt.Fprintf(&b, "Thanks for entering %q. Your purchase is confirmed.\n\n", r.Title)
	fmt.Fprintf(&b, "Order:          %s\n", o.ID.String())
	fmt.Fprintf(&b, "Tickets:        %d\n", o.TicketsBought)
	fmt.Fprintf(&b, "Subtotal:       %s %s\n", o.BaseAmount.StringFixed(2), o.Currency)
	fmt.Fprintf(&b, "Tax (%s%%):     %s %s\n", taxRate.Shift(2).String(), o.TaxAmount.StringFixed(2), o.Currency)
	fmt.Fprintf(&b, "Total:          %s %s\n", o.TotalAmount.StringFixed(2), o.Currency)
	fmt.Fprintf(&b, "Transaction:    %s\n\n", o.PaymentTransactionID)
	fmt.Fprintf(&b, "The draw happens after %s UTC.\n", r.EndDate.UTC().Format("Jan 2, 2006 15:04"))
	fmt.Fprintf(&b, "Track the raffle: %s\n", raffleLink(frontendURL, r))

	return Message{
		Kind:    KindReceipt,
		To:      []string{u.Email},
		Subject: fmt.Sprintf("Your tickets for %s", r.Title),
		Body:    b.String(),
	}
}

func WinnerMessage(frontendURL string, u *userdomain.User, r *raffledomain.Raffle) Message {
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", greeting(u))
	fmt.Fprintf(&b, "Congratulations, you won %q!\n\n", r.Title)
	fmt.Fprintf(&b, "We will contact you shortly about claiming your prize.\n")
	fmt.Fprintf(&b, "Raffle details: %s\n", raffleLink(frontendURL, r))

	return Message{
		Kind:    KindWinner,
		To:      []string{u.Email},
		Subject: fmt.Sprintf("You won %s", r.Title),
		Body:    b.String(),
	}
}

func ReminderMessage(frontendURL string, u *userdomain.User, r *raffledomain.Raffle, tickets int64, now time.Time) Message {
	left := r.EndDate.Sub(now).Round(time.Minute)
	if left < time.Minute {
		left = time.Minute
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", greeting(u))
	fmt.Fprintf(&b, "%q closes in about %s.\n", r.Title, left)
	fmt.Fprintf(&b, "You hold %d ticket(s). The winner is drawn shortly after close.\n", tickets)
	fmt.Fprintf(&b, "Last chance to add more: %s\n", raffleLink(frontendURL, r))

	return Message{
		Kind:    KindReminder,
		To:      []string{u.Email},
		Subject: fmt.Sprintf("%s is ending soon", r.Title),
		Body:    b.String(),
	}
}
