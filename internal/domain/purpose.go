package domain

// Purpose is the wire name of a call purpose.
type Purpose string

const (
	PurposeSales       Purpose = "sales_outreach"
	PurposeDemo        Purpose = "product_demo"
	PurposeSupport     Purpose = "customer_support"
	PurposeFollowUp    Purpose = "follow_up"
	PurposeAppointment Purpose = "appointment_booking"
	PurposeSurvey      Purpose = "survey"
	PurposeRenewal     Purpose = "renewal_reminder"
)

// Valid reports whether p is a known purpose.
func (p Purpose) Valid() bool {
	switch p {
	case PurposeSales, PurposeDemo, PurposeSupport, PurposeFollowUp,
		PurposeAppointment, PurposeSurvey, PurposeRenewal:
		return true
	}
	return false
}
