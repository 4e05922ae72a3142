package lesson

const (
	welcomeNew = `Hello! 👋 I'm Marcus, your personal English teacher.

We'll practice together with voice messages: I ask, you answer, and I help you improve. Send me a voice message to begin!`

	welcomeBack = "Welcome back! 👋 Ready to continue practicing English? Send me a voice message!"

	allTopicsDone = "🎉 Congratulations! You have completed every topic. I'll keep asking practice questions to keep your English sharp."

	sendVoiceNudge = "Please answer with a voice message 🎤 — speaking practice is what we're here for! (Text is only for homework answers.)"

	lessonContinue = "Great, let's continue! 📖 Answer the last question with a voice message."

	teacherModeIntro = "Sure! 💬 Ask me anything about English: grammar, words, pronunciation. I'm listening!"

	idleReminder = "Are you still there? 🙂 Send me a voice message and let's continue our lesson!"

	homeworkThanks = "Thank you for your homework! 📚 I had trouble grading it right now, but I've saved your answer and we'll go over it together."

	somethingWentWrong = "Sorry, something went wrong on my side. 😔 Please try again in a moment."
)
