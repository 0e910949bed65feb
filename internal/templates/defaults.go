package templates

const (
	AppointmentConfirmation = "appointment_confirmation"
	AppointmentCancelled    = "appointment_cancelled"
	AppointmentReminder     = "appointment_reminder"
)

// Defaults returns the built-in appointment templates.
func Defaults() []Template {
	return []Template{
		{
			Name:    AppointmentConfirmation,
			Subject: "Cita confirmada",
			Body: "*Cita confirmada*\n\n" +
				"*Fecha:* {{appointment_date}}\n" +
				"*Hora:* {{appointment_time}}\n" +
				"*Doctor:* {{doctor_name}}\n\n" +
				"_Por favor llegue 10 minutos antes._",
			Channels: []string{"telegram", "email", "sms"},
		},
		{
			Name:    AppointmentCancelled,
			Subject: "Cita cancelada",
			Body: "*Cita cancelada*\n\n" +
				"Su cita {{appointment_id}} ha sido cancelada.\n" +
				"*Motivo:* {{reason}}",
			Channels: []string{"telegram", "email", "sms"},
		},
		{
			Name:    AppointmentReminder,
			Subject: "Recordatorio de cita",
			Body: "*Recordatorio de cita*\n\n" +
				"Tiene una cita mañana.\n" +
				"*Fecha:* {{appointment_date}}\n" +
				"*Hora:* {{appointment_time}}",
			Channels: []string{"telegram", "email", "sms"},
		},
	}
}
